package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cascade/errors"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

var article = Key{TenantID: "t1", EntityType: "article", EntityID: "a1"}

// Given: 3 triggers per minute
// When: a fourth trigger lands inside the minute
// Then: it is rejected with a retry-after; after the window it is allowed again
func TestThrottle_SlidingWindow(t *testing.T) {
	clock := newMockClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	th := NewWithClock(Config{MaxPerWindow: 3, Window: time.Minute}, clock.Now)

	for i := 0; i < 3; i++ {
		require.NoError(t, th.Allow(article), "call %d", i+1)
		clock.Advance(10 * time.Second)
	}

	err := th.Allow(article)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRateLimited))
	retryAfter, ok := RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, retryAfter)

	calls, remaining := th.Stats(article)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, remaining)

	clock.Advance(31 * time.Second)
	assert.NoError(t, th.Allow(article), "oldest call slid out of the window")
}

func TestThrottle_KeysAreIndependent(t *testing.T) {
	clock := newMockClock(time.Now())
	th := NewWithClock(Config{MaxPerWindow: 1, Window: time.Minute}, clock.Now)

	require.NoError(t, th.Allow(article))
	assert.Error(t, th.Allow(article))

	other := article
	other.TenantID = "t2"
	assert.NoError(t, th.Allow(other))
	assert.Equal(t, "t2/article/a1", other.String())
}

func TestThrottle_ZeroMeansUnlimited(t *testing.T) {
	th := New(Config{MaxPerWindow: 0})
	for i := 0; i < 100; i++ {
		require.NoError(t, th.Allow(article))
	}
	assert.Equal(t, 0, th.Len())
}

func TestThrottle_TTLEviction(t *testing.T) {
	clock := newMockClock(time.Now())
	th := NewWithClock(Config{MaxPerWindow: 5, Window: time.Minute, TTL: 10 * time.Minute}, clock.Now)

	for i := 0; i < 20; i++ {
		require.NoError(t, th.Allow(Key{TenantID: "t1", EntityType: "faq", EntityID: string(rune('a' + i))}))
	}
	assert.Equal(t, 20, th.Len())

	clock.Advance(5 * time.Minute)
	require.NoError(t, th.Allow(article))
	assert.Equal(t, 0, th.Evict(), "nothing idle long enough yet")

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 20, th.Evict())
	assert.Equal(t, 1, th.Len())
}

func TestThrottle_AllowEvictsLazily(t *testing.T) {
	clock := newMockClock(time.Now())
	th := NewWithClock(Config{MaxPerWindow: 5, Window: time.Minute, TTL: time.Minute}, clock.Now)

	require.NoError(t, th.Allow(article))
	clock.Advance(3 * time.Minute)

	other := Key{TenantID: "t1", EntityType: "post", EntityID: "p1"}
	require.NoError(t, th.Allow(other))
	assert.Equal(t, 1, th.Len())
}

func TestThrottle_Reconfigure(t *testing.T) {
	clock := newMockClock(time.Now())
	th := NewWithClock(Config{MaxPerWindow: 1, Window: time.Minute}, clock.Now)

	require.NoError(t, th.Allow(article))
	require.Error(t, th.Allow(article))

	th.Reconfigure(Config{MaxPerWindow: 2, Window: time.Minute})
	assert.NoError(t, th.Allow(article))
}

func TestThrottle_Concurrent(t *testing.T) {
	th := New(Config{MaxPerWindow: 50, Window: time.Hour})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.Allow(article) == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

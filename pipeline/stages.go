package pipeline

import (
	"context"
	"slices"
	"strings"

	"github.com/teranos/cascade/batch"
	"github.com/teranos/cascade/collection"
	"github.com/teranos/cascade/diff"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/idempotency"
	"github.com/teranos/cascade/providers/cdn"
)

var (
	translationConflict = []string{"tenant_id", "source_collection", "source_id", "field", "lang"}
	snapshotConflict    = []string{"tenant_id", "entity_type", "entity_id"}
	embeddingConflict   = []string{"tenant_id", "source_collection", "source_id", "variant"}
)

// sourceVariant labels the embedding of the untranslated record
const sourceVariant = "source"

func (o *Orchestrator) derivedFilter(rc *runContext) collection.Filter {
	return collection.Eq("tenant_id", rc.content.TenantID).
		Eq("source_collection", rc.content.Collection).
		Eq("source_id", rc.content.ID)
}

// translateItems yields one item per text field and target language. Each
// field is fingerprinted on its own so an edit retranslates only that field.
func (o *Orchestrator) translateItems(ctx context.Context, rc *runContext) ([]workItem, error) {
	rows, err := o.store.Select(ctx, TranslationsCollection, o.derivedFilter(rc))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load stored translations")
	}
	stored := make(map[string]*artifact, len(rows))
	for _, row := range rows {
		stored[row.String("field")+"/"+row.String("lang")] = &artifact{
			fingerprint: row.String("source_fingerprint"),
			writtenAt:   row.Time("updated_at"),
		}
	}

	var items []workItem
	for _, field := range rc.content.TextFields() {
		fieldFP := diff.Fingerprint(field.Text)
		for _, lang := range rc.targets {
			label := field.Name + "/" + lang
			items = append(items, workItem{
				key:     o.stageKey(rc, OpTranslate, field.Name, idempotency.TranslationVariant(rc.source, lang), fieldFP),
				label:   label,
				changed: o.changed(rc, stored[label], fieldFP),
				run: func(ctx context.Context) (any, error) {
					return o.translate(ctx, rc, field, fieldFP, lang)
				},
			})
		}
	}
	return items, nil
}

func (o *Orchestrator) translate(ctx context.Context, rc *runContext, field Field, fieldFP, lang string) (any, error) {
	text, err := callProvider(ctx, o.cfg.ProviderTimeout, func(ctx context.Context) (string, error) {
		return o.translator.Translate(ctx, field.Text, rc.source, lang)
	})
	if err != nil {
		return nil, err
	}
	row := collection.Row{
		"tenant_id":          rc.content.TenantID,
		"source_collection":  rc.content.Collection,
		"source_id":          rc.content.ID,
		"field":              field.Name,
		"lang":               lang,
		"text":               text,
		"source_fingerprint": fieldFP,
		"updated_at":         o.now(),
	}
	if err := o.store.Bulk(ctx, TranslationsCollection, collection.BulkOptions{OnConflict: translationConflict}, []collection.Row{row}); err != nil {
		return nil, errors.Wrapf(err, "failed to store %s translation of %s", lang, field.Name)
	}
	return map[string]any{"field": field.Name, "lang": lang, "chars": len(text)}, nil
}

// currentTranslations returns lang -> field -> text for translations that
// match the record's current field text.
func (o *Orchestrator) currentTranslations(ctx context.Context, rc *runContext) (map[string]map[string]string, error) {
	rows, err := o.store.Select(ctx, TranslationsCollection, o.derivedFilter(rc))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load translations")
	}
	current := make(map[string]string)
	for _, f := range rc.content.TextFields() {
		current[f.Name] = diff.Fingerprint(f.Text)
	}

	out := make(map[string]map[string]string)
	for _, row := range rows {
		lang, field := row.String("lang"), row.String("field")
		if !slices.Contains(rc.targets, lang) || current[field] != row.String("source_fingerprint") {
			continue
		}
		if out[lang] == nil {
			out[lang] = make(map[string]string)
		}
		out[lang][field] = row.String("text")
	}
	return out, nil
}

// missingTranslation names the first target language without a full set
func (rc *runContext) missingTranslation(translations map[string]map[string]string) string {
	for _, lang := range rc.targets {
		for _, f := range rc.content.TextFields() {
			if _, ok := translations[lang][f.Name]; !ok {
				return lang + "/" + f.Name
			}
		}
	}
	return ""
}

// snapshotFingerprint covers the content and the language set it was published in
func (rc *runContext) snapshotFingerprint() string {
	return diff.Fingerprint(rc.content.Fingerprint, strings.Join(rc.targets, ","))
}

func (o *Orchestrator) publicSyncItems(ctx context.Context, rc *runContext) ([]workItem, error) {
	rows, err := o.store.Select(ctx, PublicSnapshotsCollection,
		collection.Eq("tenant_id", rc.content.TenantID).
			Eq("entity_type", rc.content.EntityType).
			Eq("entity_id", rc.content.ID).
			Limit(1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load stored snapshot")
	}
	var stored *artifact
	if len(rows) > 0 {
		stored = &artifact{fingerprint: rows[0].String("fingerprint"), writtenAt: rows[0].Time("published_at")}
	}

	fp := rc.snapshotFingerprint()
	return []workItem{{
		key:     o.stageKey(rc, OpPublicSync, "", "", fp),
		label:   rc.content.EntityType + "/" + rc.content.ID,
		changed: o.changed(rc, stored, fp),
		run: func(ctx context.Context) (any, error) {
			return o.publish(ctx, rc, fp)
		},
	}}, nil
}

func (o *Orchestrator) publish(ctx context.Context, rc *runContext, fp string) (any, error) {
	translations, err := o.currentTranslations(ctx, rc)
	if err != nil {
		return nil, err
	}
	if missing := rc.missingTranslation(translations); missing != "" {
		return nil, batch.Permanent(errors.Newf("translation %s is missing", missing))
	}

	row := collection.Row{
		"tenant_id":    rc.content.TenantID,
		"entity_type":  rc.content.EntityType,
		"entity_id":    rc.content.ID,
		"fields":       rc.content.fieldMap(),
		"translations": translations,
		"fingerprint":  fp,
		"published_at": o.now(),
	}
	if err := o.store.Bulk(ctx, PublicSnapshotsCollection, collection.BulkOptions{OnConflict: snapshotConflict}, []collection.Row{row}); err != nil {
		return nil, errors.Wrap(err, "failed to store public snapshot")
	}
	return map[string]any{"fingerprint": fp, "languages": len(translations) + 1}, nil
}

// purgeURLs expands the configured templates for one language
func (o *Orchestrator) purgeURLs(rc *runContext, lang string) []string {
	r := strings.NewReplacer(
		"{tenant_id}", rc.content.TenantID,
		"{entity_type}", rc.content.EntityType,
		"{entity_id}", rc.content.ID,
		"{lang}", lang,
	)
	urls := make([]string, 0, len(o.cfg.PurgeURLTemplates))
	for _, tmpl := range o.cfg.PurgeURLTemplates {
		urls = append(urls, r.Replace(tmpl))
	}
	return urls
}

// cachePurgeItems yields one item per published language. Purges have no
// stored artifact; the claim on the snapshot fingerprint dedups them.
func (o *Orchestrator) cachePurgeItems(rc *runContext) []workItem {
	fp := rc.snapshotFingerprint()
	langs := append([]string{rc.source}, rc.targets...)

	items := make([]workItem, 0, len(langs))
	for _, lang := range langs {
		urls := o.purgeURLs(rc, lang)
		items = append(items, workItem{
			key:     o.stageKey(rc, OpCachePurge, "", lang, fp),
			label:   lang,
			changed: true,
			run: func(ctx context.Context) (any, error) {
				return o.purge(ctx, urls)
			},
		})
	}
	return items
}

func (o *Orchestrator) purge(ctx context.Context, urls []string) (any, error) {
	results, err := callProvider(ctx, o.cfg.ProviderTimeout, func(ctx context.Context) ([]cdn.Result, error) {
		return o.purger.Purge(ctx, urls)
	})
	if err != nil {
		return nil, err
	}
	if failed := cdn.Failed(results); len(failed) > 0 {
		return nil, errors.Newf("%d of %d urls failed to purge; %s: %d %s",
			len(failed), len(urls), failed[0].URL, failed[0].Code, failed[0].Error)
	}
	return map[string]any{"urls": urls}, nil
}

func (o *Orchestrator) embeddingItems(ctx context.Context, rc *runContext) ([]workItem, error) {
	rows, err := o.store.Select(ctx, EmbeddingsCollection, o.derivedFilter(rc))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load stored embeddings")
	}
	stored := make(map[string]*artifact, len(rows))
	for _, row := range rows {
		stored[row.String("variant")] = &artifact{
			fingerprint: row.String("source_fingerprint"),
			writtenAt:   row.Time("updated_at"),
		}
	}

	texts := map[string]string{sourceVariant: rc.content.Text()}
	variants := []string{sourceVariant}
	if len(rc.targets) > 0 {
		translations, err := o.currentTranslations(ctx, rc)
		if err != nil {
			return nil, err
		}
		for _, lang := range rc.targets {
			parts := make([]string, 0, len(rc.content.Fields))
			for _, f := range rc.content.TextFields() {
				if t := translations[lang][f.Name]; t != "" {
					parts = append(parts, t)
				}
			}
			texts[lang] = strings.Join(parts, "\n\n")
			variants = append(variants, lang)
		}
	}

	fp := rc.content.Fingerprint
	items := make([]workItem, 0, len(variants))
	for _, variant := range variants {
		text := texts[variant]
		items = append(items, workItem{
			key:     o.stageKey(rc, OpEmbed, "content", variant, fp),
			label:   variant,
			changed: o.changed(rc, stored[variant], fp),
			run: func(ctx context.Context) (any, error) {
				return o.embed(ctx, rc, variant, text, fp)
			},
		})
	}
	return items, nil
}

func (o *Orchestrator) embed(ctx context.Context, rc *runContext, variant, text, fp string) (any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, batch.Permanent(contentError(errors.Newf("no %s text to embed", variant)))
	}
	vector, err := callProvider(ctx, o.cfg.ProviderTimeout, func(ctx context.Context) ([]float32, error) {
		return o.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	row := collection.Row{
		"tenant_id":          rc.content.TenantID,
		"source_collection":  rc.content.Collection,
		"source_id":          rc.content.ID,
		"variant":            variant,
		"model":              o.embedder.ModelName(),
		"dimensions":         len(vector),
		"vector":             vector,
		"source_fingerprint": fp,
		"updated_at":         o.now(),
	}
	if err := o.store.Bulk(ctx, EmbeddingsCollection, collection.BulkOptions{OnConflict: embeddingConflict}, []collection.Row{row}); err != nil {
		return nil, errors.Wrapf(err, "failed to store %s embedding", variant)
	}
	return map[string]any{"variant": variant, "dimensions": len(vector)}, nil
}

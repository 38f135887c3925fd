package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"spiked/model"
	"spiked/seeds"
)

// RemarkTimeLayout renders ruleset creation stamps as YYYY-MM-DD - HH:MM.
const RemarkTimeLayout = "2006-01-02 - 15:04"

// RunInfo identifies one bootstrap invocation.
type RunInfo struct {
	ID      string
	Started time.Time
}

type SeedResult struct {
	Templates int
	Rulesets  int
	Settings  int
}

type ReconcileResult struct {
	Added []string
	Known []string
}

// RulesetRemarks is the audit remark stored with a seeded ruleset.
func RulesetRemarks(name string, created time.Time) string {
	return fmt.Sprintf("Ruleset for %s / auto-created %s", name, created.Local().Format(RemarkTimeLayout))
}

// SeedStore writes the whole catalog into a freshly created, empty store in
// a single transaction. It does not check for existing rows.
func SeedStore(ctx context.Context, s Store, c *seeds.Catalog, run RunInfo, log *zap.SugaredLogger) (SeedResult, error) {
	var res SeedResult
	stamp := run.Started.Unix()

	err := s.Transaction(ctx, func(tx *Tx) error {
		log.Infow("filling value templates", "count", len(c.Templates), "values", c.TemplateValueCount())
		for _, t := range c.Templates {
			log.Infow("adding template", "name", t.Name, "values", len(t.Values))
			for _, v := range t.Values {
				if err := tx.Create(&model.ValueTemplate{Name: t.Name, Value: v}); err != nil {
					return fmt.Errorf("insert template %s=%s: %w", t.Name, v, err)
				}
				res.Templates++
			}
		}

		for _, r := range c.Rulesets {
			log.Infow("adding ruleset", "name", r.Name, "file", r.File)
			rs := model.RuleSet{
				File:      r.File,
				Name:      r.Name,
				Remarks:   RulesetRemarks(r.Name, run.Started),
				Timestamp: stamp,
				Updated:   stamp,
			}
			if err := tx.Create(&rs); err != nil {
				return fmt.Errorf("insert ruleset %s: %w", r.Name, err)
			}
			res.Rulesets++
		}

		for _, st := range c.Settings {
			log.Infow("adding setting", "name", st.Name)
			if err := tx.Create(&model.Setting{Name: st.Name, Value: st.Value}); err != nil {
				return fmt.Errorf("insert setting %s: %w", st.Name, err)
			}
			res.Settings++
		}

		return tx.LogAuditEvent(model.AuditLog{
			Action: model.InitAction,
			Message: fmt.Sprintf("seeded %d templates, %d rulesets, %d settings",
				res.Templates, res.Rulesets, res.Settings),
			Metadata: runMetadata(run, nil),
		})
	})
	if err != nil {
		return SeedResult{}, err
	}
	return res, nil
}

// ReconcileSettings inserts the catalog settings that the store does not
// have yet. Existing settings are never overwritten, so running it any
// number of times leaves the same set of settings as running it once.
// Templates and rulesets are init-only data and are not touched.
func ReconcileSettings(ctx context.Context, s Store, c *seeds.Catalog, run RunInfo, log *zap.SugaredLogger) (ReconcileResult, error) {
	var res ReconcileResult

	err := s.Transaction(ctx, func(tx *Tx) error {
		res = ReconcileResult{}
		for _, st := range c.Settings {
			known, err := tx.SettingExists(st.Name)
			if err != nil {
				return fmt.Errorf("lookup setting %s: %w", st.Name, err)
			}
			if known {
				log.Infow("setting already known", "name", st.Name)
				res.Known = append(res.Known, st.Name)
				continue
			}
			log.Infow("adding setting", "name", st.Name)
			if err := tx.Create(&model.Setting{Name: st.Name, Value: st.Value}); err != nil {
				return fmt.Errorf("insert setting %s: %w", st.Name, err)
			}
			res.Added = append(res.Added, st.Name)
		}

		return tx.LogAuditEvent(model.AuditLog{
			Action:   model.UpdateAction,
			Message:  fmt.Sprintf("added %d settings, %d already known", len(res.Added), len(res.Known)),
			Metadata: runMetadata(run, map[string]any{"added": res.Added}),
		})
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	return res, nil
}

func runMetadata(run RunInfo, extra map[string]any) string {
	m := map[string]any{
		"run_id":  run.ID,
		"started": run.Started.Unix(),
	}
	for k, v := range extra {
		m[k] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

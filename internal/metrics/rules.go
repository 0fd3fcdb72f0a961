package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

type ruleFile struct {
	Rules []Rule `toml:"rule"`
}

// ParseRules decodes a TOML document of [[rule]] tables.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshaling rules: %w", err)
	}
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Rules, nil
}

func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(data)
}

// RuleSet holds the active rules and swaps them atomically on reload.
type RuleSet struct {
	path  string
	rules atomic.Pointer[[]Rule]
}

// NewRuleSet loads path, or uses DefaultRules when path is empty.
func NewRuleSet(path string) (*RuleSet, error) {
	rs := &RuleSet{path: path}
	rules := DefaultRules()
	if path != "" {
		loaded, err := LoadRules(path)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	rs.rules.Store(&rules)
	return rs, nil
}

func (rs *RuleSet) Rules() []Rule {
	return *rs.rules.Load()
}

func (rs *RuleSet) Set(rules []Rule) {
	rs.rules.Store(&rules)
}

// Reload re-reads the rule file. On error the current rules stay active.
func (rs *RuleSet) Reload() error {
	if rs.path == "" {
		return nil
	}
	rules, err := LoadRules(rs.path)
	if err != nil {
		return err
	}
	rs.Set(rules)
	return nil
}

// Watch reloads the rule file when it changes until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (rs *RuleSet) Watch(ctx context.Context) error {
	if rs.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rules watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	abs, err := filepath.Abs(rs.path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", rs.path, err)
	}
	slog.Info("watching alert rules", slog.String("path", rs.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			// let the writer finish
			time.Sleep(100 * time.Millisecond)
			if err := rs.Reload(); err != nil {
				slog.Warn("alert rules reload failed, keeping previous rules", slog.Any("error", err))
				continue
			}
			slog.Info("alert rules reloaded", slog.Int("rules", len(rs.Rules())))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("alert rules watcher error", slog.Any("error", err))
		}
	}
}

// Package config loads and validates the hermes-go YAML configuration
// document (spec.md §6): a single file with a `hermes` runtime section
// shared by both processes, plus either `hermes-server` (Producer
// datamodel) or `hermes-client` (Consumer runtime) plus
// `hermes-client-datamodel` (Consumer datamodel, whose `plugin`
// subsection selects the target plugin; there is no top-level key named
// after the plugin). Decoding is strict — unknown keys are rejected,
// as spec.md §6 requires ("Schema is validated at load time; unknown
// keys are rejected") — and the decoded struct is then validated with
// go-playground/validator tags, the same two-step decode-then-validate
// flow the teacher's config loaders use (services/trace/config,
// services/orchestrator/datatypes).
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Runtime is the `hermes` top-level section: process-wide knobs shared
// by Producer and Consumer.
type Runtime struct {
	CacheDir              string        `yaml:"cacheDir" validate:"required"`
	LogFile               string        `yaml:"logFile" validate:"required"`
	ControlSocketPath     string        `yaml:"controlSocketPath"`
	Umask                 int           `yaml:"umask" validate:"gte=0,lte=511"`
	UpdateIntervalSeconds int           `yaml:"updateInterval" validate:"required,min=1"`
	BackupCount           int           `yaml:"backupCount" validate:"gte=0"`
	GzipCache             bool          `yaml:"gzipCache"`
	MailTextMaxSize       int           `yaml:"mailtext_maxsize" validate:"gte=0"`
	Bus                   BusConfig     `yaml:"bus" validate:"required"`
	Logging               LoggingConfig `yaml:"logging"`
	Metrics               MetricsConfig `yaml:"metrics"`
	Tracing               TracingConfig `yaml:"tracing"`
	Mail                  MailConfig    `yaml:"mail"`
}

func (r Runtime) UpdateInterval() time.Duration {
	return time.Duration(r.UpdateIntervalSeconds) * time.Second
}

type BusConfig struct {
	Brokers []string `yaml:"brokers" validate:"required,min=1"`
	Topic   string   `yaml:"topic" validate:"required"`
	// Group is only meaningful on the Consumer side; the Producer
	// ignores it.
	Group string `yaml:"group"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"omitempty,hostname_port"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	OTLPTarget  string `yaml:"otlpTarget"`
	ServiceName string `yaml:"serviceName"`
}

type MailConfig struct {
	Enabled    bool     `yaml:"enabled"`
	SMTPAddr   string   `yaml:"smtpAddr" validate:"required_if=Enabled true"`
	From       string   `yaml:"from" validate:"required_if=Enabled true,omitempty,email"`
	To         []string `yaml:"to" validate:"required_if=Enabled true,omitempty,dive,email"`
	Compressed bool     `yaml:"compressAttachment"`
}

// ServerDatamodel is the `hermes-server` section: the Producer's
// declared entity types in order. Sources are decoded into SourceConfig
// values and constraints into plain expression strings here; they are
// compiled into dataschema.Type /
// projection.Compiled / merge.ConstraintPredicate by the producer
// wiring package, which alone knows how to bind an expression string to
// the xelf environment.
type ServerDatamodel struct {
	Types []TypeConfig `yaml:"types" validate:"required,min=1,dive"`
}

type TypeConfig struct {
	Name                 string                 `yaml:"name" validate:"required"`
	PrimaryKey           []string               `yaml:"primarykeyattr" validate:"required,min=1"`
	ForeignKeys          map[string]ForeignKey  `yaml:"foreignkeys"`
	StringifyTemplate    string                 `yaml:"stringifytemplate"`
	OnMergeConflict      string                 `yaml:"on_merge_conflict" validate:"omitempty,oneof=use_cached_entry keep_first_value"`
	IntegrityConstraints []string               `yaml:"integrity_constraints"`
	MergeConstraints     []string               `yaml:"merge_constraints"`
	Sources              []SourceConfig         `yaml:"sources" validate:"required,min=1,dive"`
}

type ForeignKey struct {
	ParentType string `yaml:"parenttype" validate:"required"`
	ParentAttr string `yaml:"parentattr" validate:"required"`
}

type SourceConfig struct {
	Name                string            `yaml:"name" validate:"required"`
	FetchQuery          string            `yaml:"fetch_query" validate:"required"`
	FetchVars           map[string]string `yaml:"fetch_vars"`
	CommitOne           string            `yaml:"commit_one"`
	CommitAll           string            `yaml:"commit_all"`
	Mapping             map[string]string `yaml:"attrsmapping"`
	ListMapping         map[string][]string `yaml:"attrslistmapping"`
	CacheOnlyAttrs      []string          `yaml:"cacheonly_attrs"`
	SecretAttrs         []string          `yaml:"secrets_attrs"`
	LocalAttrs          []string          `yaml:"local_attrs"`
	PkeyMergeConstraint string            `yaml:"pkey_merge_constraint" validate:"omitempty,oneof=noConstraint mustNotExist mustAlreadyExist mustExistInBoth"`
	// Driver selects the datasource.Driver implementation bound to this
	// source ("sql" or "flatfile"); Connection is driver-specific.
	Driver     string            `yaml:"driver" validate:"required,oneof=sql flatfile"`
	Connection map[string]string `yaml:"connection"`
}

// ClientRuntime is the `hermes-client` section: the Consumer's own
// knobs layered on top of the shared `hermes` Runtime.
type ClientRuntime struct {
	ErrorQueueRetryIntervalMinutes int    `yaml:"errorQueue_retryInterval" validate:"required,min=1"`
	Autoremediation                string `yaml:"errorQueue_autoremediation" validate:"omitempty,oneof=disabled conservative maximum"`
	ForeignKeysPolicy              string `yaml:"foreignkeys_policy" validate:"omitempty,oneof=disabled on_remove_event on_every_event"`
	TrashbinPurgeIntervalMinutes   int    `yaml:"trashbin_purgeInterval" validate:"required,min=1"`
	TrashbinRetentionDays          int    `yaml:"trashbin_retention" validate:"gte=0"`
	UseFirstInitsyncSequence       bool   `yaml:"useFirstInitsyncSequence"`
}

func (c ClientRuntime) RetryInterval() time.Duration {
	return time.Duration(c.ErrorQueueRetryIntervalMinutes) * time.Minute
}

func (c ClientRuntime) PurgeInterval() time.Duration {
	return time.Duration(c.TrashbinPurgeIntervalMinutes) * time.Minute
}

func (c ClientRuntime) Retention() time.Duration {
	return time.Duration(c.TrashbinRetentionDays) * 24 * time.Hour
}

// ClientDatamodel is the consumer's local view of the types it applies
// events for — only the target-plugin binding is consumer-specific,
// the rest of the type shape mirrors ServerDatamodel so the evolver can
// diff them (internal/evolver).
type ClientDatamodel struct {
	Types  []TypeConfig  `yaml:"types" validate:"required,min=1,dive"`
	Plugin ClientPlugin  `yaml:"plugin" validate:"required"`
}

// ClientPlugin selects and configures the target plugin this Consumer
// process applies events to. It is read from the `plugin` subsection of
// `hermes-client-datamodel`; no `hermes-client-<plugin>` key is decoded.
type ClientPlugin struct {
	Name     string            `yaml:"name" validate:"required,oneof=flatfile"`
	Settings map[string]string `yaml:"settings"`
}

// Producer is the fully decoded configuration of a Producer process.
type Producer struct {
	Runtime  Runtime         `yaml:"hermes" validate:"required"`
	Datamodel ServerDatamodel `yaml:"hermes-server" validate:"required"`
}

// Consumer is the fully decoded configuration of a Consumer process.
type Consumer struct {
	Runtime       Runtime          `yaml:"hermes" validate:"required"`
	ClientRuntime ClientRuntime    `yaml:"hermes-client" validate:"required"`
	Datamodel     ClientDatamodel  `yaml:"hermes-client-datamodel" validate:"required"`
}

var validate = validator.New()

// LoadProducer reads and strictly decodes a Producer config document
// from path, then validates it. A decode or validation failure is
// config_invalid (herr.ConfigInvalid), fatal at startup per spec.md §7.
func LoadProducer(path string) (*Producer, error) {
	var cfg Producer
	if err := decodeStrict(path, &cfg); err != nil {
		return nil, err
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid producer config %s: %w", path, err)
	}
	if err := validateTypeOrder(cfg.Datamodel.Types); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// LoadConsumer reads and strictly decodes a Consumer config document.
func LoadConsumer(path string) (*Consumer, error) {
	var cfg Consumer
	if err := decodeStrict(path, &cfg); err != nil {
		return nil, err
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid consumer config %s: %w", path, err)
	}
	if err := validateTypeOrder(cfg.Datamodel.Types); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func decodeStrict(path string, dst any) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// validateTypeOrder rejects a merge_constraints or integrity_constraints
// expression that forward-references a type declared later than its
// owner, per the Open Question in spec.md §9 resolved as
// "predecessor-only, reject forward references at configuration load".
// The check here is necessarily shallow (name-only reference scanning
// belongs to the expression compiler); this enforces only that every
// declared foreignkeys.parenttype names an earlier or equal-order type.
func validateTypeOrder(types []TypeConfig) error {
	order := make(map[string]int, len(types))
	for i, t := range types {
		if _, dup := order[t.Name]; dup {
			return fmt.Errorf("duplicate type %q", t.Name)
		}
		order[t.Name] = i
	}
	for i, t := range types {
		for attr, fk := range t.ForeignKeys {
			if _, ok := order[fk.ParentType]; !ok {
				return fmt.Errorf("type %q foreign key %q references undeclared type %q", t.Name, attr, fk.ParentType)
			}
			if order[fk.ParentType] > i {
				return fmt.Errorf("type %q foreign key %q references later-declared type %q", t.Name, attr, fk.ParentType)
			}
		}
	}
	return nil
}

// Watcher observes the config file for changes solely to support the
// CLI `reinit` command's "the file changed, please re-validate before
// swapping" flow (SPEC_FULL.md). It never swaps config automatically —
// reinit is a deliberate operator action relayed over the control
// socket.
type Watcher struct {
	w *fsnotify.Watcher
}

func NewWatcher(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	return &Watcher{w: w}, nil
}

// Changed reports true once the watched file has been written since
// the last call, so a reinit command can decide whether there is
// anything to reload.
func (w *Watcher) Changed() <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		for ev := range w.w.Events {
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch
}

func (w *Watcher) Close() error { return w.w.Close() }

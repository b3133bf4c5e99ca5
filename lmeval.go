// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lmeval adapts a batch inference engine to the evaluation-harness
// interface: scored continuation likelihood, sliding-window perplexity over
// long documents, and open-ended generation until a stop condition.
//
// The engine itself is a black-box collaborator (see lib/engine); this
// package owns request batching under heterogeneous generation parameters,
// order-restoring reordering, window segmentation, and the decomposition of
// raw per-token logprob output into harness results.
package lmeval

import (
	"fmt"

	"github.com/antflydb/lmeval/lib/engine"
	"github.com/antflydb/lmeval/lib/tokenizer"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

const (
	// DefaultMaxLength is the assumed engine context length when neither
	// MaxLength nor MaxModelLen is configured.
	DefaultMaxLength = 4096

	// DefaultMaxGenToks bounds generated tokens per request unless a
	// request's generation args override it.
	DefaultMaxGenToks = 2048

	// DefaultReasoningDelimiter closes a model's reasoning segment.
	DefaultReasoningDelimiter = "</think>"
)

// minLoRAEngineVersion is the first engine release with adapter support.
const minLoRAEngineVersion = "v0.3.0"

// ConfigurationError reports an invalid Config. It is fatal at
// construction and never recovered from.
type ConfigurationError struct {
	Option string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Option, e.Reason)
}

// Config holds everything fixed at construction time. Engine bring-up
// (model loading, tensor-parallel topology) happens on the engine side;
// only the knobs the adapter itself consults live here.
type Config struct {
	// MaxLength and MaxModelLen both cap the engine context window; at
	// most one may be set. Zero means unset.
	MaxLength   int
	MaxModelLen int

	// MaxGenToks is the default generation budget per request.
	MaxGenToks int

	// BatchSize fixes the engine batch size. Zero means automatic: one
	// batch per parameter group. Replica fan-out forces automatic.
	BatchSize int

	// AddBOSToken prepends the BOS token when encoding (Gemma-family
	// models underperform without it).
	AddBOSToken bool

	// PrefixTokenID overrides the conditioning token used for the first
	// rolling window and empty contexts. Nil means BOS, falling back to
	// EOS.
	PrefixTokenID *int

	// LoRAPath requests an adapter from the engine; requires
	// EngineVersion above 0.3.0.
	LoRAPath      string
	EngineVersion string

	// ReasoningDelimiter separates a reasoning segment from final text in
	// generation output. Empty means DefaultReasoningDelimiter.
	ReasoningDelimiter string
}

// Validate checks option compatibility.
func (c *Config) Validate() error {
	if c.MaxLength != 0 && c.MaxModelLen != 0 {
		return &ConfigurationError{
			Option: "max_length",
			Reason: "either MaxLength or MaxModelLen may be provided, but not both",
		}
	}
	if c.BatchSize < 0 {
		return &ConfigurationError{Option: "batch_size", Reason: "must not be negative"}
	}
	if c.LoRAPath != "" {
		v := "v" + c.EngineVersion
		if c.EngineVersion == "" || !semver.IsValid(v) || semver.Compare(v, minLoRAEngineVersion) <= 0 {
			return &ConfigurationError{
				Option: "lora_path",
				Reason: fmt.Sprintf("lora adapters require engine version > %s, have %q", minLoRAEngineVersion, c.EngineVersion),
			}
		}
	}
	return nil
}

// Model is the harness-facing adapter. It is safe for sequential reuse but
// not for concurrent calls: the underlying engine handle is assumed
// single-call-at-a-time.
type Model struct {
	cfg     Config
	tok     tokenizer.Tokenizer
	engines []engine.Engine
	cache   CacheHook
	logger  *zap.Logger

	maxLength   int
	maxGenToks  int
	batchSize   int
	eotTokenID  int
	prefixToken int
	thinkDelim  string
}

// New builds a Model over one or more engine replicas. With more than one
// replica, requests fan out round-robin across all of them and batching is
// forced to automatic.
func New(cfg Config, tok tokenizer.Tokenizer, cache CacheHook, logger *zap.Logger, engines ...engine.Engine) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, &ConfigurationError{Option: "tokenizer", Reason: "required"}
	}
	if len(engines) == 0 {
		return nil, &ConfigurationError{Option: "engines", Reason: "at least one engine replica is required"}
	}
	if cache == nil {
		cache = NopCacheHook{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("lmeval")

	m := &Model{
		cfg:        cfg,
		tok:        tok,
		engines:    engines,
		cache:      cache,
		logger:     logger,
		maxLength:  DefaultMaxLength,
		maxGenToks: DefaultMaxGenToks,
		batchSize:  cfg.BatchSize,
		eotTokenID: tok.EOSTokenID(),
		thinkDelim: DefaultReasoningDelimiter,
	}
	if cfg.MaxModelLen != 0 {
		m.maxLength = cfg.MaxModelLen
	} else if cfg.MaxLength != 0 {
		m.maxLength = cfg.MaxLength
	}
	if cfg.MaxGenToks != 0 {
		m.maxGenToks = cfg.MaxGenToks
	}
	if cfg.ReasoningDelimiter != "" {
		m.thinkDelim = cfg.ReasoningDelimiter
	}

	// Prefix token: configured override, else BOS, else EOS. EOT is the
	// better fit for likelihood conditioning than end-of-sentence.
	switch {
	case cfg.PrefixTokenID != nil:
		m.prefixToken = *cfg.PrefixTokenID
		logger.Info("Using custom loglikelihood prefix token", zap.Int("tokenID", m.prefixToken))
	case tok.BOSTokenID() >= 0:
		m.prefixToken = tok.BOSTokenID()
	default:
		m.prefixToken = m.eotTokenID
	}

	if len(engines) > 1 && m.batchSize > 0 {
		logger.Warn("Manual batching is not compatible with replica fan-out, forcing automatic batching",
			zap.Int("replicas", len(engines)),
			zap.Int("requestedBatchSize", m.batchSize))
		m.batchSize = 0
	}

	logger.Info("Model adapter ready",
		zap.Int("maxLength", m.maxLength),
		zap.Int("maxGenToks", m.maxGenToks),
		zap.Int("batchSize", m.batchSize),
		zap.Int("replicas", len(engines)),
		zap.Bool("addBOSToken", cfg.AddBOSToken))
	return m, nil
}

// MaxLength returns the engine context length the adapter assumes.
func (m *Model) MaxLength() int { return m.maxLength }

// PrefixTokenID returns the token used as left context for the first
// rolling window and for empty likelihood contexts.
func (m *Model) PrefixTokenID() int { return m.prefixToken }

// EOTTokenID returns the engine's end-of-text token id.
func (m *Model) EOTTokenID() int { return m.eotTokenID }

// Close closes every engine replica.
func (m *Model) Close() error {
	var firstErr error
	for _, e := range m.engines {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// tokEncode encodes text honoring the AddBOSToken setting.
func (m *Model) tokEncode(text string) ([]int, error) {
	return m.tok.Encode(text, m.cfg.AddBOSToken)
}

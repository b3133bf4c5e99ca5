// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/lmeval"
	"github.com/antflydb/lmeval/lib/engine"
	"github.com/antflydb/lmeval/lib/tokenizer"
)

// Version is set by main from goreleaser ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "lmeval",
	Short: "Evaluation-harness operations against a running inference engine",
	Long: `lmeval adapts a running inference engine (any server speaking the
OpenAI-compatible completions API, e.g. vLLM) to the standard
evaluation-harness operations: loglikelihood scoring, rolling
perplexity, and generation until stop sequences.

Requests are read as JSON lines and results written as JSON lines,
preserving input order.`,
}

func init() {
	rootCmd.Version = Version

	pf := rootCmd.PersistentFlags()
	pf.StringSlice("engine-url", []string{"http://localhost:8000"}, "engine base URL; repeat for replica fan-out")
	pf.String("model", "", "model name passed through to the engine")
	pf.String("encoding", "cl100k_base", "tiktoken encoding used for tokenization")
	pf.Int("max-length", 0, "engine context length (0 = default)")
	pf.Int("max-gen-toks", 0, "default generation budget (0 = default)")
	pf.Int("batch-size", 0, "fixed engine batch size (0 = automatic)")
	pf.Bool("add-bos-token", false, "prepend the BOS token when encoding")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")

	mustBindPFlag("engine_url", pf.Lookup("engine-url"))
	mustBindPFlag("model", pf.Lookup("model"))
	mustBindPFlag("encoding", pf.Lookup("encoding"))
	mustBindPFlag("max_length", pf.Lookup("max-length"))
	mustBindPFlag("max_gen_toks", pf.Lookup("max-gen-toks"))
	mustBindPFlag("batch_size", pf.Lookup("batch-size"))
	mustBindPFlag("add_bos_token", pf.Lookup("add-bos-token"))
	mustBindPFlag("log_level", pf.Lookup("log-level"))

	viper.SetEnvPrefix("LMEVAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(viper.GetString("log_level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg.Level = level
	return cfg.Build()
}

// newModel builds the adapter from the shared flags. The caller owns Close.
func newModel(logger *zap.Logger) (*lmeval.Model, error) {
	urls := viper.GetStringSlice("engine_url")
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one --engine-url is required")
	}
	model := viper.GetString("model")
	if model == "" {
		return nil, fmt.Errorf("--model is required")
	}

	tok, err := tokenizer.NewBPETokenizer(viper.GetString("encoding"))
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	engines := make([]engine.Engine, len(urls))
	for i, url := range urls {
		engines[i] = engine.NewOpenAIEngine(url, model, logger)
	}

	cfg := lmeval.Config{
		MaxLength:   viper.GetInt("max_length"),
		MaxGenToks:  viper.GetInt("max_gen_toks"),
		BatchSize:   viper.GetInt("batch_size"),
		AddBOSToken: viper.GetBool("add_bos_token"),
	}
	cache := lmeval.NewMemoryCacheHook(lmeval.DefaultCacheTTL, logger)
	return lmeval.New(cfg, tok, cache, logger, engines...)
}

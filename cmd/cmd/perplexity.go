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
	"github.com/spf13/cobra"

	"github.com/antflydb/lmeval"
)

var perplexityCmd = &cobra.Command{
	Use:   "perplexity",
	Short: "Compute rolling loglikelihood per document",
	Long: `Compute the total loglikelihood of each document, scored across
sliding windows when the document exceeds the engine context.

Input is JSON lines, one document per line:
  {"text": "A long document ..."}

Output is JSON lines in input order:
  {"logprob": -1042.7}`,
	RunE: runPerplexity,
}

func init() {
	rootCmd.AddCommand(perplexityCmd)

	perplexityCmd.Flags().StringP("input", "i", "-", "input JSONL file (- for stdin)")
	perplexityCmd.Flags().StringP("output", "o", "-", "output JSONL file (- for stdout)")
}

type perplexityLine struct {
	Text string `json:"text"`
}

type perplexityResultLine struct {
	Logprob float64 `json:"logprob"`
}

func runPerplexity(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	model, err := newModel(logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = model.Close()
	}()

	var reqs []lmeval.RollingRequest
	if err := readJSONLines(cmd, func(line perplexityLine) {
		reqs = append(reqs, lmeval.RollingRequest{Text: line.Text})
	}); err != nil {
		return err
	}

	sums, err := model.LoglikelihoodRolling(cmd.Context(), reqs)
	if err != nil {
		return err
	}

	return writeJSONLines(cmd, sums, func(sum float64) perplexityResultLine {
		return perplexityResultLine{Logprob: sum}
	})
}

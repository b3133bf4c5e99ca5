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
	"bufio"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/antflydb/lmeval"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score continuation loglikelihoods",
	Long: `Score the loglikelihood of each continuation given its context.

Input is JSON lines, one request per line:
  {"context": "The cat sat on the", "continuation": " mat"}

Output is JSON lines in input order:
  {"logprob": -2.31, "is_greedy": true}`,
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)

	scoreCmd.Flags().StringP("input", "i", "-", "input JSONL file (- for stdin)")
	scoreCmd.Flags().StringP("output", "o", "-", "output JSONL file (- for stdout)")
}

type scoreLine struct {
	Context      string `json:"context"`
	Continuation string `json:"continuation"`
}

type scoreResultLine struct {
	Logprob  float64 `json:"logprob"`
	IsGreedy bool    `json:"is_greedy"`
}

func runScore(cmd *cobra.Command, args []string) error {
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

	var reqs []lmeval.LoglikelihoodRequest
	if err := readJSONLines(cmd, func(line scoreLine) {
		reqs = append(reqs, lmeval.LoglikelihoodRequest{
			Context:      line.Context,
			Continuation: line.Continuation,
		})
	}); err != nil {
		return err
	}

	results, err := model.Loglikelihood(cmd.Context(), reqs)
	if err != nil {
		return err
	}

	return writeJSONLines(cmd, results, func(r lmeval.ScoredResult) scoreResultLine {
		return scoreResultLine{Logprob: r.Logprob, IsGreedy: r.IsGreedy}
	})
}

// readJSONLines decodes the command's input flag as JSON lines, skipping
// blank lines.
func readJSONLines[T any](cmd *cobra.Command, fn func(T)) error {
	path, _ := cmd.Flags().GetString("input")
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening input: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		r = f
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			return fmt.Errorf("parsing input line %d: %w", lineNo, err)
		}
		fn(item)
	}
	return scanner.Err()
}

// writeJSONLines encodes one converted result per line to the command's
// output flag.
func writeJSONLines[T, L any](cmd *cobra.Command, results []T, convert func(T) L) error {
	path, _ := cmd.Flags().GetString("output")
	var w io.Writer = cmd.OutOrStdout()
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		w = f
	}

	enc := json.NewEncoder(w)
	for _, r := range results {
		if err := enc.Encode(convert(r)); err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
	}
	return nil
}

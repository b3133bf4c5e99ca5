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

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate until stop sequences",
	Long: `Generate a completion for each request, honoring per-request
sampling kwargs and stop sequences. Requests sharing identical kwargs are
batched together.

Input is JSON lines, one request per line:
  {"context": "Question: ...\nAnswer:", "args": {"until": ["\n\n"], "temperature": 0}}

A request may instead carry structured chat material:
  {"data": {"description": "...", "fewshots": [{"prompt": "...", "answer": "..."}], "example": "..."}}

Output is JSON lines in input order:
  {"text": "...", "reasoning": ""}`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringP("input", "i", "-", "input JSONL file (- for stdin)")
	generateCmd.Flags().StringP("output", "o", "-", "output JSONL file (- for stdout)")
}

type generateLine struct {
	Context string         `json:"context"`
	Args    lmeval.GenArgs `json:"args"`
	Data    *struct {
		Description string `json:"description"`
		Fewshots    []struct {
			Prompt string `json:"prompt"`
			Answer string `json:"answer"`
		} `json:"fewshots"`
		Example string `json:"example"`
	} `json:"data"`
}

type generateResultLine struct {
	Text      string `json:"text"`
	Reasoning string `json:"reasoning,omitempty"`
}

func runGenerate(cmd *cobra.Command, args []string) error {
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

	var reqs []lmeval.GenerateRequest
	if err := readJSONLines(cmd, func(line generateLine) {
		req := lmeval.GenerateRequest{Context: line.Context, Args: line.Args}
		if line.Data != nil {
			data := &lmeval.PromptData{
				Description: line.Data.Description,
				Example:     line.Data.Example,
			}
			for _, fs := range line.Data.Fewshots {
				data.Fewshots = append(data.Fewshots, lmeval.Fewshot{
					Prompt: fs.Prompt,
					Answer: fs.Answer,
				})
			}
			req.Data = data
		}
		reqs = append(reqs, req)
	}); err != nil {
		return err
	}

	texts, stats, _, err := model.GenerateUntil(cmd.Context(), reqs)
	if err != nil {
		return err
	}

	lines := make([]generateResultLine, len(texts))
	for i, text := range texts {
		lines[i] = generateResultLine{Text: text, Reasoning: stats[i].Reasoning}
	}
	return writeJSONLines(cmd, lines, func(l generateResultLine) generateResultLine { return l })
}

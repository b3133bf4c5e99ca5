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

// Package tokenizer adapts concrete tokenizer libraries to the encode/decode
// surface the evaluation adapter needs: string to token ids and back, with
// special-token control and left truncation.
package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/decoder"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/processor"
	"github.com/sugarme/tokenizer/util"
)

// Tokenizer encodes strings to token id sequences and back.
type Tokenizer interface {
	// Encode converts text to token ids. addSpecialTokens controls whether
	// model-specific markers (BOS/CLS and friends) are included.
	Encode(text string, addSpecialTokens bool) ([]int, error)

	// Decode converts token ids back to text, skipping special tokens.
	Decode(ids []int) string

	// EOSTokenID returns the end-of-text token id.
	EOSTokenID() int

	// BOSTokenID returns the beginning-of-sequence token id, or -1 if the
	// vocabulary has none.
	BOSTokenID() int
}

// LeftTruncate keeps at most n trailing tokens. n <= 0 means no truncation.
func LeftTruncate(ids []int, n int) []int {
	if n <= 0 || len(ids) <= n {
		return ids
	}
	return ids[len(ids)-n:]
}

// eotIDs maps tiktoken encodings to their <|endoftext|> id.
var eotIDs = map[string]int{
	"cl100k_base": 100257,
	"o200k_base":  199999,
	"p50k_base":   50256,
	"r50k_base":   50256,
}

// BPETokenizer uses OpenAI's tiktoken BPE tokenization.
// Good for GPT-style models and code.
type BPETokenizer struct {
	tiktoken *tiktoken.Tiktoken
	eotID    int
}

func init() {
	// Set the offline loader for tiktoken to avoid network requests
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// NewBPETokenizer creates a BPE tokenizer using tiktoken-go with embedded
// dictionaries. The encoding parameter specifies which BPE encoding to use:
// - "cl100k_base": GPT-4, GPT-3.5-turbo (recommended)
// - "o200k_base": GPT-4o models
// - "p50k_base": Codex models
// - "r50k_base": GPT-3 models (davinci, curie, etc.)
func NewBPETokenizer(encoding string) (*BPETokenizer, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}

	eot, ok := eotIDs[encoding]
	if !ok {
		return nil, fmt.Errorf("unknown tiktoken encoding %q", encoding)
	}

	tk, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding %q: %w", encoding, err)
	}

	return &BPETokenizer{tiktoken: tk, eotID: eot}, nil
}

// Encode converts text to BPE token ids. With addSpecialTokens, special
// token text (e.g. "<|endoftext|>") is parsed to its reserved id instead of
// being encoded literally.
func (t *BPETokenizer) Encode(text string, addSpecialTokens bool) ([]int, error) {
	if text == "" {
		return nil, nil
	}
	if addSpecialTokens {
		return t.tiktoken.Encode(text, []string{"all"}, nil), nil
	}
	return t.tiktoken.Encode(text, nil, nil), nil
}

// Decode converts token ids back to text.
func (t *BPETokenizer) Decode(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	return t.tiktoken.Decode(ids)
}

// EOSTokenID returns the <|endoftext|> id for this encoding.
func (t *BPETokenizer) EOSTokenID() int { return t.eotID }

// BOSTokenID reports -1: GPT-style BPE vocabularies have no BOS marker.
func (t *BPETokenizer) BOSTokenID() int { return -1 }

// CountTokens returns the number of tokens in the text.
func (t *BPETokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(t.tiktoken.Encode(text, nil, nil))
}

// BertWordPieceTokenizer uses BERT's WordPiece tokenization.
// Good for general-purpose text and multilingual content.
type BertWordPieceTokenizer struct {
	tokenizer *tokenizer.Tokenizer
	sepID     int
	clsID     int
}

// NewBertWordPieceTokenizer creates a BERT tokenizer from a vocab file
// (one token per line, ID is line number).
func NewBertWordPieceTokenizer(vocabPath string) (*BertWordPieceTokenizer, error) {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("reading vocab file: %w", err)
	}

	vocab := make(model.Vocab)
	for i, line := range strings.Split(string(data), "\n") {
		if line != "" {
			vocab[line] = i
		}
	}

	// Create WordPiece model with [UNK] as unknown token
	opts := util.NewParams(map[string]any{
		"unk_token": "[UNK]",
	})
	wp, err := wordpiece.New(vocab, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create wordpiece model: %w", err)
	}

	tk := tokenizer.NewTokenizer(wp)

	// Configure BERT normalizer: clean text, lowercase, handle Chinese chars, strip accents
	tk.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, true))
	tk.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	// Configure post-processor with SEP and CLS tokens
	sepID, ok := tk.TokenToId("[SEP]")
	if !ok {
		return nil, fmt.Errorf("cannot find ID for [SEP] token")
	}
	clsID, ok := tk.TokenToId("[CLS]")
	if !ok {
		return nil, fmt.Errorf("cannot find ID for [CLS] token")
	}

	tk.WithPostProcessor(processor.NewBertProcessing(
		processor.PostToken{Id: sepID, Value: "[SEP]"},
		processor.PostToken{Id: clsID, Value: "[CLS]"},
	))

	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken("[MASK]", true)})
	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken("[SEP]", true)})
	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken("[CLS]", true)})

	tk.WithDecoder(decoder.DefaultWordpieceDecoder())

	return &BertWordPieceTokenizer{tokenizer: tk, sepID: sepID, clsID: clsID}, nil
}

// Encode converts text to WordPiece token ids.
// Uses a recover wrapper to handle panics from the underlying tokenizer
// library (github.com/sugarme/tokenizer has a bounds check bug in
// BertNormalizer.TransformRange).
func (t *BertWordPieceTokenizer) Encode(text string, addSpecialTokens bool) (ids []int, err error) {
	if text == "" {
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			ids = nil
			err = fmt.Errorf("tokenizer panic: %v", r)
		}
	}()

	enc, err := t.tokenizer.EncodeSingle(text, addSpecialTokens)
	if err != nil {
		return nil, fmt.Errorf("encoding text: %w", err)
	}
	return enc.Ids, nil
}

// Decode converts token ids back to text, skipping special tokens.
func (t *BertWordPieceTokenizer) Decode(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	return t.tokenizer.Decode(ids, true)
}

// EOSTokenID returns the [SEP] id; BERT has no dedicated end-of-text token.
func (t *BertWordPieceTokenizer) EOSTokenID() int { return t.sepID }

// BOSTokenID returns the [CLS] id.
func (t *BertWordPieceTokenizer) BOSTokenID() int { return t.clsID }

// CountTokens returns the number of tokens in the text.
// Returns a character-based estimate on error (1 token ≈ 4 chars).
func (t *BertWordPieceTokenizer) CountTokens(text string) int {
	ids, err := t.Encode(text, false)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

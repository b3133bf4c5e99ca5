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

// Command lmeval drives a running inference engine through the
// evaluation-harness operations.
//
// Usage:
//
//	lmeval score -i requests.jsonl        # Continuation loglikelihoods
//	lmeval perplexity -i documents.jsonl  # Rolling loglikelihood per document
//	lmeval generate -i requests.jsonl     # Generate until stop sequences
package main

import (
	"github.com/antflydb/lmeval/cmd/cmd"
)

// https://goreleaser.com/cookbooks/using-main.version/
//
// By default, GoReleaser will set the following 3 ldflags:
//
// main.version: Current Git tag (the v prefix is stripped) or the name of the snapshot, if you're using the --snapshot flag
var version = "dev"

// main.commit: Current git commit SHA
// commit = "none"
// main.date: Date in the RFC3339 format
// date = "unknown"

func main() {
	cmd.Version = version
	cmd.Execute()
}

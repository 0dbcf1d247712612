// Copyright 2025 Kadir Pekel
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

package llm

import (
	"context"
	"fmt"
	"sync/atomic"
)

// StaticProvider returns canned responses. It exists for tests and for
// running worlds without network access.
type StaticProvider struct {
	Content string
	CallErr error
	CostPer float64
	calls   atomic.Int64
}

// Name implements Provider.
func (s *StaticProvider) Name() string { return "static" }

// Generate implements Provider.
func (s *StaticProvider) Generate(_ context.Context, model string, messages []Message) (*Response, error) {
	s.calls.Add(1)
	if s.CallErr != nil {
		return nil, s.CallErr
	}
	content := s.Content
	if content == "" {
		content = fmt.Sprintf("static response from %s to %d messages", model, len(messages))
	}
	return &Response{
		Content: content,
		Usage:   Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Cost:    s.CostPer,
	}, nil
}

// Calls reports how many times Generate ran.
func (s *StaticProvider) Calls() int64 { return s.calls.Load() }

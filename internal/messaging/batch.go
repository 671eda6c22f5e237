/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package messaging

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/types"
)

var errNilMessage = a2aerrors.New(a2aerrors.ErrMessageValidationFailed, "message is nil")

// ProcessBatch validates and decompresses messages with at most
// maxConcurrent in flight. The output has the same length and order as the
// input. A message that fails is returned as given with the error appended
// to its metadata; the batch itself never fails. Messages not started before
// ctx is done are annotated with the context error.
func (m *Manager) ProcessBatch(ctx context.Context, messages []*types.Message, maxConcurrent int) []*types.Message {
	if maxConcurrent <= 0 {
		maxConcurrent = m.cfg.BatchConcurrency
	}

	results := make([]*types.Message, len(messages))
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	var wg sync.WaitGroup

	for i, msg := range messages {
		err := ctx.Err()
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}
		if err != nil {
			for j := i; j < len(messages); j++ {
				results[j] = annotate(messages[j], err)
			}
			break
		}

		wg.Add(1)
		go func(index int, msg *types.Message) {
			defer wg.Done()
			defer sem.Release(1)
			results[index] = m.processOne(msg)
		}(i, msg)
	}

	wg.Wait()

	failed := 0
	for _, r := range results {
		if r != nil && len(r.Metadata.Errors) > 0 {
			failed++
		}
	}
	m.logger.WithFields(map[string]interface{}{
		"batch_size": len(messages),
		"failed":     failed,
	}).Debug("Processed message batch")

	return results
}

func (m *Manager) processOne(msg *types.Message) *types.Message {
	if msg == nil {
		return annotate(&types.Message{}, errNilMessage)
	}

	start := m.now()
	out, err := m.Decompress(msg)
	if err == nil {
		err = m.Validate(out)
	}
	status := "success"
	if err != nil {
		status = "failure"
		out = annotate(msg, err)
	}
	m.metrics.RecordMessage("batch", string(msg.Header.MessageType), status, m.now().Sub(start), int64(len(msg.Payload)))
	return out
}

// annotate returns a copy of msg with err recorded in its metadata
func annotate(msg *types.Message, err error) *types.Message {
	if msg == nil {
		msg = &types.Message{}
	}
	out := *msg
	out.Metadata.Errors = append(append([]string(nil), msg.Metadata.Errors...), err.Error())
	return &out
}

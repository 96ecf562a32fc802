// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"sync"
)

// ChainSet runs tasks serially per key and in parallel across keys. The
// next task for a key starts only after the previous one returned; the
// poller uses this to keep webhook deliveries for one incident in order.
type ChainSet struct {
	ctx context.Context

	mtx    sync.Mutex
	chains map[string]*chain
	wg     sync.WaitGroup
}

type chain struct {
	pending []func(context.Context)
}

// NewChainSet creates a chain set. Queued tasks receive ctx and should
// return promptly once it is canceled.
func NewChainSet(ctx context.Context) *ChainSet {
	return &ChainSet{ctx: ctx, chains: map[string]*chain{}}
}

// Do appends fn to the key's chain, starting a runner goroutine for the
// key if none is active.
func (c *ChainSet) Do(key string, fn func(context.Context)) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	ch, ok := c.chains[key]
	if ok {
		ch.pending = append(ch.pending, fn)
		return
	}
	ch = &chain{pending: []func(context.Context){fn}}
	c.chains[key] = ch
	c.wg.Add(1)
	go c.run(key, ch)
}

func (c *ChainSet) run(key string, ch *chain) {
	defer c.wg.Done()
	for {
		c.mtx.Lock()
		if len(ch.pending) == 0 {
			delete(c.chains, key)
			c.mtx.Unlock()
			return
		}
		fn := ch.pending[0]
		ch.pending = ch.pending[1:]
		c.mtx.Unlock()

		if c.ctx.Err() != nil {
			continue // drain without running
		}
		fn(c.ctx)
	}
}

// Wait blocks until every chain has drained.
func (c *ChainSet) Wait() { c.wg.Wait() }

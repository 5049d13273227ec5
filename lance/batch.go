// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lance

import (
	"time"

	"github.com/nishisan-dev/lance-client/lwp"
)

// BatchID identifica um batch produzido: é o correlation id usado no
// frame PRODUCE correspondente.
type BatchID uint64

// batch acumula records TLV de um tópico até um gatilho de flush. O
// correlation id é reservado na abertura, então o id do batch existe
// antes do frame ir ao wire. done fecha quando o ACK (ou erro) chega.
type batch struct {
	id    BatchID
	topic uint32

	buf   []byte
	count int

	firstAppend time.Time
	timer       *time.Timer

	done   chan struct{}
	err    error
	offset uint64 // offset commitado, reportado no PRODUCE_ACK
}

func newBatch(id BatchID, topic uint32) *batch {
	return &batch{
		id:          id,
		topic:       topic,
		firstAppend: time.Now(),
		done:        make(chan struct{}),
	}
}

// append serializa os records no buffer do batch.
func (b *batch) append(records []lwp.Record) error {
	for _, r := range records {
		var err error
		if b.buf, err = lwp.AppendRecord(b.buf, r); err != nil {
			return err
		}
		b.count++
	}
	return nil
}

func (b *batch) size() int { return len(b.buf) }

// complete finaliza o batch com o offset do ACK ou o erro tipado.
func (b *batch) complete(offset uint64, err error) {
	b.offset = offset
	b.err = err
	close(b.done)
}

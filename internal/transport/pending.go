// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"sync"
	"time"

	"github.com/nishisan-dev/lance-client/lwp"
)

// result é o desfecho de um request pendente: frame de resposta ou erro.
type result struct {
	frame *lwp.Frame
	err   error
}

// pending registra um request in-flight aguardando a resposta do server.
// done é buffered (1) para que o read loop nunca bloqueie ao completar.
type pending struct {
	opcode      lwp.Opcode
	submittedAt time.Time
	done        chan result
}

// pendingTable mapeia correlation id → completion pendente. É o request
// multiplexer: o read loop roteia respostas pelo correlation id e o
// submit registra os requests antes de colocá-los no wire.
type pendingTable struct {
	mu sync.Mutex
	m  map[uint64]*pending
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[uint64]*pending)}
}

// add registra um completion para o correlation id. Deve acontecer ANTES
// do frame ir para o write queue, senão a resposta pode chegar primeiro.
func (t *pendingTable) add(corrID uint64, opcode lwp.Opcode) *pending {
	p := &pending{
		opcode:      opcode,
		submittedAt: time.Now(),
		done:        make(chan result, 1),
	}
	t.mu.Lock()
	t.m[corrID] = p
	t.mu.Unlock()
	return p
}

// complete entrega a resposta ao request e o remove da tabela. Retorna
// false para correlation ids desconhecidos ou abandonados (resposta
// tardia é drenada e descartada pelo caller).
func (t *pendingTable) complete(corrID uint64, frame *lwp.Frame) bool {
	t.mu.Lock()
	p, ok := t.m[corrID]
	if ok {
		delete(t.m, corrID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- result{frame: frame}
	return true
}

// fail completa o request com um erro tipado.
func (t *pendingTable) fail(corrID uint64, err error) bool {
	t.mu.Lock()
	p, ok := t.m[corrID]
	if ok {
		delete(t.m, corrID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- result{err: err}
	return true
}

// abandon remove o completion sem entregar nada; usado quando o caller
// cancela o request. Uma resposta tardia vira um complete() sem alvo.
func (t *pendingTable) abandon(corrID uint64) {
	t.mu.Lock()
	delete(t.m, corrID)
	t.mu.Unlock()
}

// failAll completa todos os pendentes com err e esvazia a tabela. Chamado
// na transição para Reconnecting/Closed.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	pendings := t.m
	t.m = make(map[uint64]*pending)
	t.mu.Unlock()

	for _, p := range pendings {
		p.done <- result{err: err}
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lwp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrorKind é o discriminante do conjunto fechado de erros do client.
type ErrorKind int

// Kinds de erro. A retryability é função pura do kind.
const (
	KindConnection ErrorKind = iota // TCP reset, refused, EOF, DNS
	KindTimeout                     // deadline do request expirou
	KindBackpressure                // server pausou ou janela local cheia
	KindNotLeader                   // carrega LeaderAddr para redirect
	KindServerCatchingUp            // carrega ServerOffset; retry após backoff
	KindTopicNotFound
	KindAccessDenied
	KindInvalidArgument
	KindInvalidFrame // corrupção de protocolo; força disconnect
	KindInternal
	KindClosed // uso após close
)

var kindNames = map[ErrorKind]string{
	KindConnection:       "connection",
	KindTimeout:          "timeout",
	KindBackpressure:     "backpressure",
	KindNotLeader:        "not leader",
	KindServerCatchingUp: "server catching up",
	KindTopicNotFound:    "topic not found",
	KindAccessDenied:     "access denied",
	KindInvalidArgument:  "invalid argument",
	KindInvalidFrame:     "invalid frame",
	KindInternal:         "internal",
	KindClosed:           "closed",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Retryable indica se operações que falharam com este kind podem ser
// reenviadas. NotLeader conta como retryable após seguir o redirect;
// ServerCatchingUp após um backoff.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindConnection, KindTimeout, KindBackpressure, KindNotLeader, KindServerCatchingUp:
		return true
	}
	return false
}

// Error é o erro tipado do client. LeaderAddr e ServerOffset são os hints
// carregados por NOT_LEADER e SERVER_CATCHING_UP respectivamente.
type Error struct {
	Kind         ErrorKind
	Reason       string
	LeaderAddr   string
	ServerOffset uint64
	Err          error
}

func (e *Error) Error() string {
	msg := "lwp: " + e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable expõe a flag de retryability do kind.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// Is permite errors.Is contra os sentinelas por kind (Reason vazio).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Reason == "" && t.Err == nil
}

// Sentinelas por kind, para uso com errors.Is.
var (
	ErrConnection       = &Error{Kind: KindConnection}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrBackpressure     = &Error{Kind: KindBackpressure}
	ErrNotLeader        = &Error{Kind: KindNotLeader}
	ErrServerCatchingUp = &Error{Kind: KindServerCatchingUp}
	ErrTopicNotFound    = &Error{Kind: KindTopicNotFound}
	ErrAccessDenied     = &Error{Kind: KindAccessDenied}
	ErrInvalidFrame     = &Error{Kind: KindInvalidFrame}
	ErrClosed           = &Error{Kind: KindClosed}
)

// IsRetryable reporta se err carrega um *Error retryable. Erros não
// tipados (I/O cru) contam como retryable de conexão.
func IsRetryable(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Retryable()
	}
	return err != nil
}

func invalidFrame(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidFrame, Reason: fmt.Sprintf(format, args...)}
}

// Códigos de erro do server, carregados no payload de frames ERROR.
const (
	CodeTopicNotFound    uint16 = 0x0001
	CodeNotLeader        uint16 = 0x0002
	CodeServerCatchingUp uint16 = 0x0003
	CodeAccessDenied     uint16 = 0x0004
	CodeInvalidArgument  uint16 = 0x0005
	CodeInternal         uint16 = 0x00FF
)

var codeKinds = map[uint16]ErrorKind{
	CodeTopicNotFound:    KindTopicNotFound,
	CodeNotLeader:        KindNotLeader,
	CodeServerCatchingUp: KindServerCatchingUp,
	CodeAccessDenied:     KindAccessDenied,
	CodeInvalidArgument:  KindInvalidArgument,
	CodeInternal:         KindInternal,
}

// EncodeErrorPayload monta o payload de um frame ERROR:
// [code u16] [reason_len u16] [reason UTF-8] [hint].
// O hint é host:port para NOT_LEADER e u64 little-endian para
// SERVER_CATCHING_UP; vazio para os demais códigos.
func EncodeErrorPayload(code uint16, reason string, hint []byte) []byte {
	buf := make([]byte, 4, 4+len(reason)+len(hint))
	binary.LittleEndian.PutUint16(buf[0:2], code)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(reason)))
	buf = append(buf, reason...)
	buf = append(buf, hint...)
	return buf
}

// DecodeErrorPayload interpreta o payload de um frame ERROR e retorna o
// *Error tipado correspondente. Códigos desconhecidos mapeiam para
// KindInternal preservando a reason.
func DecodeErrorPayload(payload []byte) (*Error, error) {
	if len(payload) < 4 {
		return nil, invalidFrame("error payload too short: %d bytes", len(payload))
	}
	code := binary.LittleEndian.Uint16(payload[0:2])
	reasonLen := int(binary.LittleEndian.Uint16(payload[2:4]))
	if len(payload) < 4+reasonLen {
		return nil, invalidFrame("error reason overruns payload")
	}
	reason := string(payload[4 : 4+reasonLen])
	hint := payload[4+reasonLen:]

	kind, ok := codeKinds[code]
	if !ok {
		kind = KindInternal
	}
	e := &Error{Kind: kind, Reason: reason}

	switch kind {
	case KindNotLeader:
		e.LeaderAddr = string(hint)
	case KindServerCatchingUp:
		if len(hint) < 8 {
			return nil, invalidFrame("catching-up hint too short: %d bytes", len(hint))
		}
		e.ServerOffset = binary.LittleEndian.Uint64(hint[:8])
	}
	return e, nil
}

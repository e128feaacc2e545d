// Package engine runs the per-line pipeline: bounded read, structural
// validation, optional signature verification, decoding, rate limiting,
// dispatch, and response delivery. Every failure inside one line becomes
// an error envelope; only stream failures and queue overflow terminate.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/voxlight/indicatord/internal/auth"
	"github.com/voxlight/indicatord/internal/config"
	"github.com/voxlight/indicatord/internal/dispatch"
	"github.com/voxlight/indicatord/internal/protocol"
	"github.com/voxlight/indicatord/internal/ratelimit"
	"github.com/voxlight/indicatord/internal/respond"
	"github.com/voxlight/indicatord/internal/security"
	"github.com/voxlight/indicatord/internal/store"
	"github.com/voxlight/indicatord/internal/validate"
)

// ErrStreamClosed wraps the read-side failure that triggered shutdown.
var ErrStreamClosed = errors.New("command stream unreadable")

// callerID identifies the single stdin peer for the rate limiter.
const callerID = "stdin"

// Auditor records processed commands and purges expired rows. *store.Store
// satisfies it; a nil Auditor disables the audit trail.
type Auditor interface {
	RecordCommand(ctx context.Context, entry store.AuditEntry) error
	PurgeAudit(ctx context.Context, cutoff time.Time) error
}

type Options struct {
	// Verifier, when non-nil, requires every JSON command to carry a valid
	// signature. Legacy text commands are rejected in signed mode.
	Verifier *auth.Authenticator
	Auditor  Auditor
	Logf     func(format string, args ...any)
}

type Engine struct {
	cfg      config.Config
	out      *respond.Channel
	disp     *dispatch.Dispatcher
	verifier *auth.Authenticator
	limiter  *ratelimit.Limiter
	limits   validate.Limits
	auditor  Auditor
	logf     func(format string, args ...any)
}

func New(cfg config.Config, out *respond.Channel, disp *dispatch.Dispatcher, opts Options) *Engine {
	limiter := ratelimit.New(cfg.RateLimit, cfg.RateWindow)
	if cfg.StrictRateLimit {
		limiter = ratelimit.NewStrict()
	}
	limits := validate.DefaultLimits()
	limits.MaxBytes = cfg.MaxLineBytes
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Engine{
		cfg:      cfg,
		out:      out,
		disp:     disp,
		verifier: opts.Verifier,
		limiter:  limiter,
		limits:   limits,
		auditor:  opts.Auditor,
		logf:     logf,
	}
}

// Run consumes r until EOF, a read error, or a fatal pipeline error. It
// always shuts the dispatcher and response channel down before returning.
func (e *Engine) Run(ctx context.Context, r io.Reader) error {
	if e.auditor != nil {
		stopPurge := e.startAuditPurge(ctx)
		defer stopPurge()
	}

	br := bufio.NewReaderSize(r, 64*1024)
	var runErr error
	for runErr == nil {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		line, overflow, readErr := readLine(br, e.cfg.MaxLineBytes)
		if overflow {
			e.answer(protocol.Errorf(protocol.SentinelID, protocol.CodeInvalidCommand,
				validate.ErrCommandTooLong.Error()), &runErr)
		} else if len(bytes.TrimSpace(line)) > 0 {
			e.processLine(ctx, line, &runErr)
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				runErr = fmt.Errorf("%w: %v", ErrStreamClosed, readErr)
			}
			break
		}
	}

	e.disp.Close()
	if err := e.out.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("flush responses: %w", err)
	}
	return runErr
}

// processLine runs the full pipeline for one non-empty line. Fatal
// conditions are written to runErr; everything else becomes an envelope.
func (e *Engine) processLine(ctx context.Context, raw []byte, runErr *error) {
	now := time.Now().UTC()
	trimmed := bytes.TrimSpace(raw)

	cmd, derr := e.decodeLine(trimmed, now)
	if derr != nil {
		resp := e.errorEnvelope(trimmed, derr)
		e.audit(ctx, string(trimmed), "", resp)
		e.answer(resp, runErr)
		return
	}

	if !e.limiter.Allow(callerID, now) {
		resp := protocol.Errorf(cmd.ID, protocol.CodePermissionDenied, "rate limit exceeded")
		e.audit(ctx, string(trimmed), string(cmd.Kind), resp)
		e.answer(resp, runErr)
		return
	}

	resp, err := e.disp.Handle(cmd, now)
	if errors.Is(err, dispatch.ErrQueueOverflow) {
		overflow := protocol.Errorf(cmd.ID, protocol.CodeInternalError, err.Error())
		e.audit(ctx, string(trimmed), string(cmd.Kind), overflow)
		e.answer(overflow, runErr)
		if *runErr == nil {
			*runErr = err
		}
		return
	}
	if err != nil {
		failed := protocol.Errorf(cmd.ID, protocol.CodeInternalError, err.Error())
		e.audit(ctx, string(trimmed), string(cmd.Kind), failed)
		e.answer(failed, runErr)
		return
	}
	if resp == nil {
		// Queued until collaborators are wired; the drain answers it.
		e.audit(ctx, string(trimmed), string(cmd.Kind), protocol.OK(cmd.ID, "queued"))
		return
	}
	e.audit(ctx, string(trimmed), string(cmd.Kind), *resp)
	e.answer(*resp, runErr)
}

// decodeLine turns raw bytes into a validated command. JSON lines go
// through structural validation, optional verification, and typed
// decoding; anything else is treated as a legacy text command.
func (e *Engine) decodeLine(trimmed []byte, now time.Time) (protocol.Command, error) {
	if len(trimmed) > 0 && trimmed[0] == '{' {
		doc, err := validate.Validate(trimmed, e.limits)
		if err != nil {
			return protocol.Command{}, err
		}
		if e.verifier != nil {
			obj, ok := doc.(map[string]any)
			if !ok {
				return protocol.Command{}, &protocol.DecodeError{
					Code: protocol.CodeInvalidCommand, Message: "command must be a JSON object"}
			}
			body, verr := e.verifier.Verify(obj, now)
			if verr != nil {
				return protocol.Command{}, verr
			}
			doc = body
		}
		return protocol.Decode(doc)
	}

	if !e.cfg.AcceptLegacy || e.verifier != nil {
		return protocol.Command{}, &protocol.DecodeError{
			Code: protocol.CodeInvalidCommand, Message: "command must be a JSON object"}
	}
	text, err := validate.ValidateText(trimmed, e.limits)
	if err != nil {
		return protocol.Command{}, err
	}
	return protocol.ParseLegacy(text)
}

// errorEnvelope maps a pipeline error onto the closed code set with the
// best-available correlation id.
func (e *Engine) errorEnvelope(raw []byte, err error) protocol.Response {
	id := protocol.ExtractID(raw)
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		return protocol.Errorf(id, de.Code, de.Message)
	}
	switch {
	case errors.Is(err, validate.ErrCommandTooLong),
		errors.Is(err, validate.ErrInvalidEncoding),
		errors.Is(err, validate.ErrInvalidJSON),
		errors.Is(err, validate.ErrNestingTooDeep),
		errors.Is(err, validate.ErrTooManyKeys),
		errors.Is(err, validate.ErrArrayTooLong),
		errors.Is(err, validate.ErrInvalidCharacters):
		return protocol.Errorf(id, protocol.CodeInvalidCommand, err.Error())
	case errors.Is(err, auth.ErrMissingSignature),
		errors.Is(err, auth.ErrBadSignature),
		errors.Is(err, auth.ErrBadTimestamp),
		errors.Is(err, auth.ErrReplayWindow),
		errors.Is(err, auth.ErrNonceReused):
		return protocol.Errorf(id, protocol.CodePermissionDenied, err.Error())
	default:
		return protocol.Errorf(id, protocol.CodeInternalError, err.Error())
	}
}

// answer sends one envelope. A writer failure is a communication failure
// and becomes fatal.
func (e *Engine) answer(env protocol.Response, runErr *error) {
	if err := e.out.Send(env); err != nil && *runErr == nil {
		*runErr = fmt.Errorf("write response: %w", err)
	}
}

// EmitAsync delivers dispatcher-originated responses (queue drains and
// health pings). Write failures here are logged; the read loop notices the
// broken channel on its next send.
func (e *Engine) EmitAsync(env protocol.Response) {
	if err := e.out.Send(env); err != nil {
		e.logf("async response dropped: %v", err)
	}
}

func (e *Engine) audit(ctx context.Context, payload, kind string, resp protocol.Response) {
	if e.auditor == nil {
		return
	}
	entry := store.AuditEntry{
		EventID:       uuid.NewString(),
		CorrelationID: resp.ID,
		Kind:          kind,
		Status:        string(resp.Status),
		Code:          resp.Code,
		Payload:       security.RedactForAudit(payload),
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.auditor.RecordCommand(ctx, entry); err != nil {
		e.logf("audit record failed: %v", err)
	}
}

func (e *Engine) startAuditPurge(ctx context.Context) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.cfg.AuditPurgeEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-e.cfg.AuditTTL)
				if err := e.auditor.PurgeAudit(ctx, cutoff); err != nil {
					e.logf("audit purge failed: %v", err)
				}
			}
		}
	}()
	return func() { close(stop) }
}

// readLine reads one newline-terminated line, accumulating at most max
// bytes. Oversized lines are consumed to the next newline and reported
// via overflow without being buffered in full.
func readLine(br *bufio.Reader, max int) (line []byte, overflow bool, err error) {
	var buf []byte
	for {
		chunk, rerr := br.ReadSlice('\n')
		if len(chunk) > 0 && !overflow {
			if len(buf)+len(chunk) > max+1 {
				overflow = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if rerr == bufio.ErrBufferFull {
			continue
		}
		if rerr != nil {
			return bytes.TrimRight(buf, "\r\n"), overflow, rerr
		}
		return bytes.TrimRight(buf, "\r\n"), overflow, nil
	}
}

package chat

import "context"

// Send outcomes passed to Recorder.Sent.
const (
	SendOK          = "ok"
	SendRejected    = "rejected"
	SendRateLimited = "rate_limited"
	SendFailed      = "failed"
)

// SendPipeline submits new messages. It never touches the local message
// list: a sent message shows up when the change feed echoes its insert.
type SendPipeline struct {
	table    MessageTable
	identity Identity
	limiter  Limiter
	reporter Reporter
}

// NewSendPipeline creates a pipeline. limiter and reporter may be nil.
func NewSendPipeline(table MessageTable, identity Identity, limiter Limiter, reporter Reporter) *SendPipeline {
	if reporter == nil {
		reporter = NopReporter()
	}
	return &SendPipeline{table: table, identity: identity, limiter: limiter, reporter: reporter}
}

// Send validates content and inserts it for the current user.
func (p *SendPipeline) Send(ctx context.Context, content string) error {
	if err := ValidateContent(content); err != nil {
		p.sent(SendRejected)
		return err
	}

	user, ok := p.identity.CurrentUser(ctx)
	if !ok {
		p.sent(SendRejected)
		return ErrNotAuthenticated
	}

	if p.limiter != nil {
		allowed, err := p.limiter.Allow(ctx, user.ID)
		if err != nil {
			// Fail open.
			p.reporter.Recovered("send.ratelimit", err)
		} else if !allowed {
			p.sent(SendRateLimited)
			return ErrRateLimited
		}
	}

	err := p.table.Insert(ctx, NewMessage{
		Content:     content,
		SenderID:    user.ID,
		SenderEmail: user.Email,
	})
	if err != nil {
		p.sent(SendFailed)
		return &BackendError{Op: "insert message", Err: err}
	}
	p.sent(SendOK)
	return nil
}

func (p *SendPipeline) sent(result string) {
	record(p.reporter, func(r Recorder) { r.Sent(result) })
}

// Package question brokers structured multi-choice questions between a
// paused worker agent and the human operator.
//
// The worker emits a question tool-use into its transcript and blocks on
// an interactive picker. The broker lists unanswered questions via the
// transcript reader and answers them by driving the picker with
// keystrokes. Delivery is best-effort; the transcript acquiring a
// matching tool-result on a later read is the only confirmation.
package question

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xcawolfe-amzn/panopticon/internal/transcript"
)

// Broker errors.
var (
	// ErrNoPending means there is nothing to answer.
	ErrNoPending = errors.New("no pending questions")
	// ErrAnswerCount means the answer list does not match the question list.
	ErrAnswerCount = errors.New("answer count does not match pending questions")
)

// keySender is the slice of the session driver the broker needs: raw
// keystrokes into the picker, not full messages.
type keySender interface {
	Send(name, text string) error
	SendKey(name, key string) error
	SendEnter(name string) error
}

// Broker answers pending questions for worker agents.
type Broker struct {
	reader *transcript.Reader
	tmux   keySender
	log    *zap.Logger

	// pace is the delay between keystrokes; terminal echo drops rapid
	// input otherwise.
	pace time.Duration
}

// NewBroker wires a question broker. pace <= 0 disables pacing (tests).
func NewBroker(reader *transcript.Reader, t keySender, pace time.Duration, log *zap.Logger) *Broker {
	return &Broker{reader: reader, tmux: t, pace: pace, log: log}
}

// Pending lists unanswered question tool-uses for a workspace.
func (b *Broker) Pending(workspace string) ([]transcript.PendingQuestion, error) {
	return b.reader.FindPendingQuestions(workspace)
}

// Answer drives the picker in the agent's session with one answer per
// pending question, in order. Each answer selects the matching option by
// its 1-based number; an answer not among the options selects the custom
// choice and types the answer as free text. Tab advances between
// questions, Enter submits after the last.
func (b *Broker) Answer(agentID, workspace string, answers []string) error {
	pending, err := b.Pending(workspace)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return ErrNoPending
	}

	// Answers apply to the oldest pending tool-use.
	questions := pending[0].Questions
	if len(answers) != len(questions) {
		return fmt.Errorf("%w: %d answers for %d questions", ErrAnswerCount, len(answers), len(questions))
	}

	for i, q := range questions {
		if i > 0 {
			if err := b.tmux.SendKey(agentID, "Tab"); err != nil {
				return err
			}
			b.wait()
		}
		if err := b.selectAnswer(agentID, q, answers[i]); err != nil {
			return err
		}
	}

	b.wait()
	if err := b.tmux.SendEnter(agentID); err != nil {
		return err
	}
	b.log.Info("answers delivered",
		zap.String("agent", agentID),
		zap.Int("count", len(answers)))
	return nil
}

// selectAnswer picks one option in the picker. Option matching is by
// label, case-insensitive.
func (b *Broker) selectAnswer(agentID string, q transcript.Question, answer string) error {
	idx := matchOption(q, answer)
	if idx > 0 {
		if err := b.tmux.Send(agentID, strconv.Itoa(idx)); err != nil {
			return err
		}
		b.wait()
		return nil
	}

	// Custom answer: the picker's last choice is free-text entry.
	custom := len(q.Options) + 1
	if err := b.tmux.Send(agentID, strconv.Itoa(custom)); err != nil {
		return err
	}
	b.wait()
	if err := b.tmux.Send(agentID, answer); err != nil {
		return err
	}
	b.wait()
	return nil
}

// matchOption returns the 1-based index of the option whose label matches
// the answer, or 0 when none match.
func matchOption(q transcript.Question, answer string) int {
	for i, opt := range q.Options {
		if strings.EqualFold(strings.TrimSpace(opt.Label), strings.TrimSpace(answer)) {
			return i + 1
		}
	}
	return 0
}

func (b *Broker) wait() {
	if b.pace > 0 {
		time.Sleep(b.pace)
	}
}

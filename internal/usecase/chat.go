package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"infra-agent/internal/domain"
	"infra-agent/internal/intent"
	"infra-agent/internal/region"
	"infra-agent/internal/session"
	"infra-agent/internal/tracker"
)

const (
	fallbackSystemPrompt = "You are a helpful assistant for AWS cloud operations."
	fallbackMaxTokens    = 300
	fallbackTemperature  = 0.7
)

// TextCompleter is the hosted language-model capability used for messages no
// structured intent matched. internal/integrations/llm satisfies it.
type TextCompleter interface {
	Complete(ctx context.Context, systemPrompt, userText string, maxTokens int, temperature float64) (string, error)
}

// ChatService is the conversational core: it classifies each inbound
// message, runs the confirmation state machine and produces the reply text.
// All failure signaling happens inside the reply; HandleMessage never
// returns an error to the transport.
type ChatService struct {
	catalog       *region.Catalog
	sessions      *session.Store
	tracker       *tracker.Tracker
	dispatcher    *Dispatcher
	compute       ComputeProvider
	llm           TextCompleter
	logger        *slog.Logger
	defaultRegion string
}

func NewChatService(catalog *region.Catalog, sessions *session.Store, tr *tracker.Tracker, dispatcher *Dispatcher, compute ComputeProvider, llm TextCompleter, defaultRegion string, logger *slog.Logger) (*ChatService, error) {
	if catalog == nil {
		return nil, errors.New("usecase: region catalog must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if tr == nil {
		return nil, errors.New("usecase: tracker must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	if compute == nil {
		return nil, errors.New("usecase: compute provider must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: text completer must not be nil")
	}
	if strings.TrimSpace(defaultRegion) == "" {
		return nil, errors.New("usecase: default region must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		catalog:       catalog,
		sessions:      sessions,
		tracker:       tr,
		dispatcher:    dispatcher,
		compute:       compute,
		llm:           llm,
		logger:        logger,
		defaultRegion: defaultRegion,
	}, nil
}

// HandleMessage processes one inbound chat message for a session and returns
// the reply text.
//
// Any pending confirmation is consumed here, before classification, whatever
// the message says: the reply either launches the gated action or cancels
// it, and the slot is empty afterwards either way.
func (s *ChatService) HandleMessage(ctx context.Context, sessionID, message string) string {
	text := strings.ToLower(strings.TrimSpace(message))

	pending, hasPending := s.sessions.TakePending(sessionID)
	var pendingRef *domain.PendingConfirmation
	if hasPending {
		pendingRef = &pending
	}

	it := intent.Classify(text, pendingRef)
	s.logger.Info("message classified", "session", sessionID, "intent", it.String())

	switch it {
	case intent.AwaitingCreationReply, intent.AwaitingTerminationReply:
		return s.resolveConfirmation(ctx, pending, text)

	case intent.Greeting:
		return "Hello! I am Infra-Agent. I can create and terminate EC2 instances, report account details, list regions and count instances."

	case intent.AccountDetails:
		id, err := s.compute.CallerIdentity(ctx)
		if err != nil {
			s.logger.Error("caller identity lookup failed", "err", err)
			return fmt.Sprintf("Error: unable to retrieve account details: %v", err)
		}
		return fmt.Sprintf("Account ID: %s\nARN: %s", id.AccountID, id.ARN)

	case intent.ListRegions:
		names, err := s.compute.ListRegions(ctx)
		if err != nil {
			s.logger.Error("region listing failed", "err", err)
			return fmt.Sprintf("Error: unable to fetch regions: %v", err)
		}
		return "Available AWS regions:\n- " + strings.Join(names, "\n- ")

	case intent.InstanceCount:
		n, err := s.compute.CountInstances(ctx)
		if err != nil {
			s.logger.Error("instance count failed", "err", err)
			return fmt.Sprintf("Error: unable to count instances: %v", err)
		}
		return fmt.Sprintf("You have %d EC2 instance(s) in %s.", n, s.defaultRegion)

	case intent.CreateRequest:
		regionCode, ok := s.catalog.Resolve(text)
		if !ok {
			return "Error: please name a valid AWS region (for example mumbai, virginia or oregon)."
		}
		s.sessions.SetPending(sessionID, domain.PendingConfirmation{
			Kind:   domain.ConfirmCreate,
			Region: regionCode,
		})
		return fmt.Sprintf("Confirm launching an EC2 instance in %s? Reply 'yes' to proceed.", regionCode)

	case intent.TerminateRequest:
		regionCode, ok := s.catalog.Resolve(text)
		if !ok {
			return "Error: please name a valid AWS region (for example mumbai, virginia or oregon)."
		}
		s.sessions.SetPending(sessionID, domain.PendingConfirmation{
			Kind:       domain.ConfirmTerminate,
			Region:     regionCode,
			TargetName: s.dispatcher.NameTag(),
		})
		return fmt.Sprintf("Confirm terminating EC2 instance(s) named %q in %s? Reply 'yes' to proceed.", s.dispatcher.NameTag(), regionCode)

	case intent.StatusQuery:
		return s.tracker.Status()

	default:
		return s.fallbackReply(ctx, message)
	}
}

// resolveConfirmation honors or cancels the taken pending confirmation.
func (s *ChatService) resolveConfirmation(ctx context.Context, pending domain.PendingConfirmation, text string) string {
	if !intent.Affirmed(text) {
		return fmt.Sprintf("Okay, the %s in %s is cancelled.", pending.Kind, pending.Region)
	}

	ack, err := s.dispatcher.Dispatch(ctx, pending)
	if err != nil {
		s.logger.Warn("dispatch rejected", "kind", string(pending.Kind), "region", pending.Region, "err", err)
		return s.dispatchErrorReply(pending, err)
	}
	return ack
}

// dispatchErrorReply turns a dispatcher rejection into user-facing text.
func (s *ChatService) dispatchErrorReply(pending domain.PendingConfirmation, err error) string {
	var uerr *Error
	if !errors.As(err, &uerr) {
		return "Error: the request could not be processed."
	}
	switch uerr.Code {
	case ErrorConflict:
		return "Another operation is already in progress. Send 'status' to follow it and try again once it completes."
	case ErrorInvalidInput:
		return fmt.Sprintf("Error: no machine image is configured for %s, so nothing was started.", pending.Region)
	case ErrorNotFound:
		return "Error: the provisioning pipeline was not found, so nothing was started."
	case ErrorUpstream:
		return "Error: the provisioning pipeline could not be triggered."
	default:
		return "Error: the request could not be processed."
	}
}

// fallbackReply forwards unmatched input to the language model. Service
// failures become an inline diagnostic rather than propagating.
func (s *ChatService) fallbackReply(ctx context.Context, message string) string {
	reply, err := s.llm.Complete(ctx, fallbackSystemPrompt, message, fallbackMaxTokens, fallbackTemperature)
	if err != nil {
		s.logger.Error("fallback completion failed", "err", err)
		return fmt.Sprintf("Error: the assistant is unavailable right now: %v", err)
	}
	return reply
}

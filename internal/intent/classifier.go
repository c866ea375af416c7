// Package intent classifies inbound chat messages with an ordered list of
// keyword rules evaluated first-match-wins.
package intent

import (
	"strings"

	"infra-agent/internal/domain"
)

// Intent is the classified purpose of one inbound chat message.
type Intent int

const (
	Fallback Intent = iota
	AwaitingCreationReply
	AwaitingTerminationReply
	Greeting
	AccountDetails
	ListRegions
	InstanceCount
	CreateRequest
	TerminateRequest
	StatusQuery
)

func (i Intent) String() string {
	switch i {
	case AwaitingCreationReply:
		return "awaiting_creation_reply"
	case AwaitingTerminationReply:
		return "awaiting_termination_reply"
	case Greeting:
		return "greeting"
	case AccountDetails:
		return "account_details"
	case ListRegions:
		return "list_regions"
	case InstanceCount:
		return "instance_count"
	case CreateRequest:
		return "create_request"
	case TerminateRequest:
		return "terminate_request"
	case StatusQuery:
		return "status_query"
	default:
		return "fallback"
	}
}

type rule struct {
	intent Intent
	match  func(text string) bool
}

// The rule order is load-bearing: later rules are unreachable once an
// earlier one matches. "status" must stay after create/terminate so that a
// request mentioning both is treated as the mutating one.
var rules = []rule{
	{Greeting, containsAny("hi", "hello")},
	{AccountDetails, containsAll("account", "detail")},
	{ListRegions, containsAny("region")},
	{InstanceCount, containsAny("total instance")},
	{CreateRequest, containsAny("create ec2", "launch instance", "spin up vm")},
	{TerminateRequest, containsAny("terminate ec2", "destroy ec2")},
	{StatusQuery, containsAny("status")},
}

// Classify maps a message to an Intent. A pending confirmation always wins:
// whatever else the text contains, the message is interpreted as the reply
// to the recorded yes/no gate.
func Classify(text string, pending *domain.PendingConfirmation) Intent {
	if pending != nil {
		switch pending.Kind {
		case domain.ConfirmTerminate:
			return AwaitingTerminationReply
		default:
			return AwaitingCreationReply
		}
	}

	text = strings.ToLower(text)
	for _, r := range rules {
		if r.match(text) {
			return r.intent
		}
	}
	return Fallback
}

// Affirmed reports whether a confirmation reply approves the pending action.
func Affirmed(text string) bool {
	text = strings.ToLower(text)
	return strings.Contains(text, "yes") || strings.Contains(text, "confirm")
}

func containsAny(keywords ...string) func(string) bool {
	return func(text string) bool {
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				return true
			}
		}
		return false
	}
}

func containsAll(keywords ...string) func(string) bool {
	return func(text string) bool {
		for _, kw := range keywords {
			if !strings.Contains(text, kw) {
				return false
			}
		}
		return true
	}
}

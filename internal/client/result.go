package client

import "github.com/brackendns/clientd/internal/dns"

// Result classifies the outcome `error` and `next` finalize a request with.
// It is a taxonomy of kinds, not a Go error type: most values carry no
// additional context because none is needed to pick a response rcode or a
// recovery action.
type Result int

const (
	// ResultSuccess means the request was answered; no error handling
	// applies. Used as the argument to next() when a handler already sent
	// its own response via send().
	ResultSuccess Result = iota
	// ResultParseError is a malformed inbound message.
	ResultParseError
	// ResultViewMismatch means no configured view matches the question's
	// class.
	ResultViewMismatch
	// ResultOpcodeNotImplemented is an unsupported or unrecognized opcode.
	ResultOpcodeNotImplemented
	// ResultOpcodeRefused is an opcode this server explicitly refuses
	// (IQUERY).
	ResultOpcodeRefused
	// ResultNoMemory is send-pool exhaustion with nothing in flight to free
	// it - fatal for the current request.
	ResultNoMemory
	// ResultRenderError means the codec could not build a response at all.
	ResultRenderError
	// ResultTransportError is a TCP socket failure on read or send.
	ResultTransportError
	// ResultTimedOut means a handler-armed timer fired before finalize.
	ResultTimedOut
	// ResultReplyFailed means error() could not even build an error
	// response (both reply attempts failed).
	ResultReplyFailed
)

// RCode maps a Result to the DNS response code used to build an error
// response. Only meaningful for kinds that actually produce a response;
// kinds that finalize via next() without a response (NoMemory,
// TransportError, Timeout, ReplyFailed) are never rendered and their
// mapping here is unused.
func (r Result) RCode() dns.RCode {
	switch r {
	case ResultParseError:
		return dns.RCodeFormErr
	case ResultViewMismatch:
		return dns.RCodeRefused
	case ResultOpcodeNotImplemented:
		return dns.RCodeNotImp
	case ResultOpcodeRefused:
		return dns.RCodeRefused
	case ResultRenderError:
		return dns.RCodeServFail
	default:
		return dns.RCodeServFail
	}
}

// String names a Result for logging.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultParseError:
		return "parse_error"
	case ResultViewMismatch:
		return "view_mismatch"
	case ResultOpcodeNotImplemented:
		return "opcode_not_implemented"
	case ResultOpcodeRefused:
		return "opcode_refused"
	case ResultNoMemory:
		return "no_memory"
	case ResultRenderError:
		return "render_error"
	case ResultTransportError:
		return "transport_error"
	case ResultTimedOut:
		return "timed_out"
	case ResultReplyFailed:
		return "reply_failed"
	default:
		return "unknown"
	}
}

package inquiries

import "fmt"

// ServiceError carries a stable `<operation>.<reason>` code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "inquiries.service.new"
	opAuthorize     = "inquiries.authorize"
	opMessagesAfter = "inquiries.messages_after"
	opCount         = "inquiries.count"
	opHistory       = "inquiries.history"
	opMarkRead      = "inquiries.mark_read"
	opCreateMessage = "inquiries.create_message"
	opCreateInquiry = "inquiries.create_inquiry"
	opGetMessage    = "inquiries.get_message"
	opRecipients    = "inquiries.recipients"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

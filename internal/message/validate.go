package message

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

// ValidationError marks a message as rejected at the edge. It never enters
// the pipeline; the reason is surfaced to the originating connection.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return "roomcast: invalid message: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator validates inbound messages against the edge rules.
type Validator struct {
	validate *validatorv10.Validate
}

// NewValidator returns a validator with the chat-specific rules registered.
func NewValidator() *Validator {
	v := validatorv10.New()

	// Registration only fails for empty tags or nil funcs.
	must(v.RegisterValidation("user_id", validUserID))
	must(v.RegisterValidation("chat_username", validUsername))
	must(v.RegisterValidation("iso8601", validTimestamp))

	return &Validator{validate: v}
}

// Validate checks an inbound message. Any single violation rejects the
// message with a *ValidationError describing the first failed rule.
func (v *Validator) Validate(in Inbound) error {
	err := v.validate.Struct(in)
	if err == nil {
		return nil
	}

	errs, ok := err.(validatorv10.ValidationErrors)
	if !ok || len(errs) == 0 {
		return &ValidationError{Reason: err.Error(), Err: err}
	}
	return &ValidationError{Reason: reasonFor(errs[0]), Err: err}
}

func validUserID(fl validatorv10.FieldLevel) bool {
	n, err := strconv.Atoi(fl.Field().String())
	if err != nil {
		return false
	}
	return n >= 1 && n <= 100000
}

func validUsername(fl validatorv10.FieldLevel) bool {
	return usernamePattern.MatchString(fl.Field().String())
}

func validTimestamp(fl validatorv10.FieldLevel) bool {
	_, err := time.Parse(time.RFC3339Nano, fl.Field().String())
	return err == nil
}

func reasonFor(fe validatorv10.FieldError) string {
	switch fe.Field() {
	case "MessageID":
		return "messageId is required."
	case "UserID":
		return "userId must be an integer string between 1 and 100000."
	case "Username":
		return "username must be 3-20 alphanumeric or underscore characters."
	case "Body":
		return "message must be between 1 and 500 characters."
	case "Timestamp":
		return "timestamp must be a valid ISO-8601 timestamp."
	case "Type":
		return "messageType must be TEXT, JOIN, or LEAVE."
	default:
		return fmt.Sprintf("%s failed validation rule %s.", fe.Field(), fe.Tag())
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

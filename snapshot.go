package authclient

import (
	"encoding/json"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"
)

// DefaultPhoneRegion is used to parse phone numbers written without an
// international prefix.
const DefaultPhoneRegion = "US"

// UserSnapshot is the decoded user returned by the backend on every auth
// event. Treat it as an immutable value: replace it, never mutate it.
type UserSnapshot struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Role      UserRole `json:"role"`
	Verified  bool     `json:"verified"`
	Phone     string   `json:"phone,omitempty"`
}

// Validate checks the snapshot shape decoded at the API boundary
func (u UserSnapshot) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.ID, validation.Required),
		validation.Field(&u.Email, validation.Required, is.Email),
		validation.Field(&u.Role, validation.Required, validation.In(RoleAdmin, RoleClient)),
	)
}

// FullName joins first and last name
func (u UserSnapshot) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Clone returns a copy that shares nothing with u
func (u *UserSnapshot) Clone() *UserSnapshot {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// DecodeUserSnapshot decodes and validates a raw user payload. Payloads
// that do not match the expected shape are rejected with a validation error.
func DecodeUserSnapshot(raw []byte) (*UserSnapshot, error) {
	var user UserSnapshot
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, withMetadata(ErrMalformedPayload, err, map[string]any{"payload": "user"})
	}
	if err := checkSnapshot(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

func checkSnapshot(user *UserSnapshot) error {
	if user == nil {
		return withMetadata(ErrMalformedPayload, nil, map[string]any{"payload": "user"})
	}
	if err := user.Validate(); err != nil {
		return validationError(err, "user")
	}
	return nil
}

// Validate checks the login form before it reaches the network
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

// Validate checks the registration form before it reaches the network
func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 0)),
		validation.Field(&r.FirstName, validation.Required),
		validation.Field(&r.LastName, validation.Required),
		validation.Field(&r.Phone, validation.By(validPhone)),
	)
}

// Validate checks the profile fields that are being changed
func (p ProfileUpdate) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.FirstName, validation.By(notBlank)),
		validation.Field(&p.LastName, validation.By(notBlank)),
		validation.Field(&p.Phone, validation.By(validPhone)),
	)
}

// NormalizePhone formats a phone number as E.164. Empty input is returned
// unchanged.
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	num, err := phonenumbers.Parse(raw, DefaultPhoneRegion)
	if err == nil && !phonenumbers.IsValidNumber(num) {
		err = fmt.Errorf("invalid phone number")
	}
	if err != nil {
		return "", withMetadata(ErrMalformedPayload, err, map[string]any{
			"fields": map[string]string{"phone": "must be a valid phone number"},
		})
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func validPhone(value any) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case *string:
		if v == nil {
			return nil
		}
		raw = *v
	default:
		return nil
	}

	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if _, err := NormalizePhone(raw); err != nil {
		return fmt.Errorf("must be a valid phone number")
	}
	return nil
}

func notBlank(value any) error {
	v, ok := value.(*string)
	if !ok || v == nil {
		return nil
	}
	if strings.TrimSpace(*v) == "" {
		return fmt.Errorf("cannot be blank")
	}
	return nil
}

// validationError turns ozzo validation errors into a Validation kind error
// carrying field level detail.
func validationError(err error, payload string) error {
	fields := map[string]string{}
	if verrs, ok := err.(validation.Errors); ok {
		for field, ferr := range verrs {
			if ferr != nil {
				fields[field] = ferr.Error()
			}
		}
	}

	meta := map[string]any{}
	if payload != "" {
		meta["payload"] = payload
	}
	if len(fields) > 0 {
		meta["fields"] = fields
	}
	return withMetadata(ErrMalformedPayload, err, meta)
}

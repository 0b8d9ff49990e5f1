package validator

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/stemsi/exstem-live/internal/model"
)

// trans is the singleton English translator for validation errors.
var trans ut.Translator

var (
	messages      *govalidator.Validate
	messagesTrans ut.Translator
	messagesOnce  sync.Once
)

// Setup registers the validator with English translations on Gin's binding engine.
// Call once during application startup.
func Setup() {
	if v, ok := binding.Validator.Engine().(*govalidator.Validate); ok {
		trans = configure(v)
	}
}

// Struct validates a decoded WebSocket payload using its `validate` tags.
// Returns nil on success or a translated field error map.
func Struct(v any) map[string]string {
	messagesOnce.Do(func() {
		messages = govalidator.New(govalidator.WithRequiredStructEnabled())
		messagesTrans = configure(messages)
	})
	if err := messages.Struct(v); err != nil {
		return translate(err, messagesTrans)
	}
	return nil
}

// configure registers tag names, custom tags and English messages on v and
// returns the translator bound to it.
func configure(v *govalidator.Validate) ut.Translator {
	// Use JSON tag name for field names in error messages.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("severity", func(fl govalidator.FieldLevel) bool {
		return model.Severity(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("submission_type", func(fl govalidator.FieldLevel) bool {
		return model.SubmissionType(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("session_status", func(fl govalidator.FieldLevel) bool {
		return model.SessionStatus(fl.Field().String()).Valid()
	})

	// Register English translations.
	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	t, _ := uni.GetTranslator("en")
	en_translations.RegisterDefaultTranslations(v, t)
	registerMessage(v, t, "severity", "{0} must be one of low, medium, high, critical")
	registerMessage(v, t, "submission_type", "{0} must be one of normal, timeout, forced, disconnect")
	registerMessage(v, t, "session_status", "{0} is not a valid session status")
	return t
}

func registerMessage(v *govalidator.Validate, t ut.Translator, tag, text string) {
	_ = v.RegisterTranslation(tag, t,
		func(ut ut.Translator) error { return ut.Add(tag, text, true) },
		func(ut ut.Translator, fe govalidator.FieldError) string {
			msg, _ := ut.T(tag, fe.Field())
			return msg
		},
	)
}

// TranslateErrors takes a binding/validation error and returns a map of
// field name → human-readable error message. If the error is not a
// validation error, it returns a single-key map with "detail".
func TranslateErrors(err error) map[string]string {
	return translate(err, trans)
}

func translate(err error, t ut.Translator) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			if t != nil {
				fields[fe.Field()] = fe.Translate(t)
			} else {
				fields[fe.Field()] = fe.Error()
			}
		}
		return fields
	}

	// Not a validation error (e.g., JSON syntax error).
	fields["detail"] = err.Error()
	return fields
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst interface{}) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}

// BindQuery binds and validates query parameters into dst.
func BindQuery(c *gin.Context, dst interface{}) map[string]string {
	if err := c.ShouldBindQuery(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}

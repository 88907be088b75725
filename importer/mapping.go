// ABOUTME: Column mapping and row validation for bulk imports
// ABOUTME: Raw CSV rows become typed Rows; unknown targets are kept as metadata fields
package importer

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/harperreed/broadcast/models"
	"gopkg.in/yaml.v3"
)

// Target field names a mapping may point at.
const (
	FieldFirstName = "firstName"
	FieldLastName  = "lastName"
	FieldEmail     = "email"
	FieldPhone     = "phone"
	FieldCompany   = "company"
	FieldRole      = "role"
)

// FieldMapping maps a CSV column name to a target field. Targets that are not
// one of the Field constants become metadata keys.
type FieldMapping map[string]string

// Template is a named, reusable mapping stored as YAML.
type Template struct {
	Name    string       `yaml:"name"`
	Columns FieldMapping `yaml:"columns"`
}

// ParseTemplate decodes a YAML mapping template.
func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse mapping template: %w", err)
	}
	if len(t.Columns) == 0 {
		return nil, errors.New("mapping template has no columns")
	}
	return &t, nil
}

// LoadTemplate reads a YAML mapping template from disk.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping template: %w", err)
	}
	return ParseTemplate(data)
}

var headerAliases = map[string]string{
	"firstname":    FieldFirstName,
	"first":        FieldFirstName,
	"givenname":    FieldFirstName,
	"lastname":     FieldLastName,
	"last":         FieldLastName,
	"surname":      FieldLastName,
	"familyname":   FieldLastName,
	"email":        FieldEmail,
	"emailaddress": FieldEmail,
	"mail":         FieldEmail,
	"phone":        FieldPhone,
	"phonenumber":  FieldPhone,
	"mobile":       FieldPhone,
	"cell":         FieldPhone,
	"company":      FieldCompany,
	"organization": FieldCompany,
	"organisation": FieldCompany,
	"employer":     FieldCompany,
	"role":         FieldRole,
	"title":        FieldRole,
	"jobtitle":     FieldRole,
}

func squash(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MetadataKey turns a column header into a metadata key: lowercase words
// joined by underscores.
func MetadataKey(header string) string {
	fields := strings.FieldsFunc(strings.ToLower(header), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, "_")
}

// AutoMapping guesses a mapping from CSV headers. Recognised headers map to
// core fields; every other header becomes a metadata key.
func AutoMapping(headers []string) FieldMapping {
	m := make(FieldMapping, len(headers))
	for _, h := range headers {
		if target, ok := headerAliases[squash(h)]; ok {
			m[h] = target
			continue
		}
		if key := MetadataKey(h); key != "" {
			m[h] = key
		}
	}
	return m
}

// Row is one mapped import row.
type Row struct {
	FirstName string                          `json:"firstName" validate:"required"`
	LastName  string                          `json:"lastName" validate:"required"`
	Email     string                          `json:"email,omitempty" validate:"required_without=Phone,omitempty,email"`
	Phone     string                          `json:"phone,omitempty" validate:"required_without=Email,omitempty,phone"`
	Company   string                          `json:"company,omitempty"`
	Role      string                          `json:"role,omitempty"`
	Metadata  map[string]models.MetadataField `json:"metadata,omitempty"`
}

// ApplyMapping converts raw rows. Columns absent from the mapping are dropped
// and blank values are ignored.
func ApplyMapping(raw []map[string]string, mapping FieldMapping) []Row {
	rows := make([]Row, 0, len(raw))
	for _, r := range raw {
		var row Row
		// Sorted columns keep the outcome stable when two columns share a target.
		cols := make([]string, 0, len(r))
		for col := range r {
			cols = append(cols, col)
		}
		sort.Strings(cols)

		for _, col := range cols {
			target, ok := mapping[col]
			if !ok || target == "" {
				continue
			}
			val := strings.TrimSpace(r[col])
			if val == "" {
				continue
			}
			switch target {
			case FieldFirstName:
				row.FirstName = val
			case FieldLastName:
				row.LastName = val
			case FieldEmail:
				row.Email = val
			case FieldPhone:
				row.Phone = val
			case FieldCompany:
				row.Company = val
			case FieldRole:
				row.Role = val
			default:
				if row.Metadata == nil {
					row.Metadata = make(map[string]models.MetadataField)
				}
				row.Metadata[target] = models.MetadataField{Value: val, DisplayName: col}
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// ValidationError reports why a row was rejected. Row is 1-based.
type ValidationError struct {
	Row    int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("row %d: %s %s", e.Row, e.Field, e.Reason)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("phone", validPhone); err != nil {
		panic(err)
	}
	return v
}

// validPhone accepts digits with common separators, an optional leading plus
// and between 7 and 15 digits.
func validPhone(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	digits := 0
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}

// ValidateRow checks one row; index is 0-based and reported 1-based.
func ValidateRow(index int, row Row) []*ValidationError {
	err := validate.Struct(row)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []*ValidationError{{Row: index + 1, Reason: err.Error()}}
	}
	out := make([]*ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, &ValidationError{Row: index + 1, Field: fe.Field(), Reason: reason(fe)})
	}
	return out
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "is required when no email or phone is given"
	case "email":
		return "is not a valid email address"
	case "phone":
		return "is not a valid phone number"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

package utils

import (
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]bool)
	result := []T{}
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	if len(defaults) > 0 {
		return defaults[0]
	}
	var zero T
	return zero
}

func NilIfEmpty[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

var nonNumericPrefix = regexp.MustCompile(`^[^\d\-+.]+`)

// ParseDecimal accepts human-formatted amounts ("1,200.50", "MMK 20,000")
// and returns a decimal. Empty input parses to zero.
func ParseDecimal(value string) (decimal.Decimal, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return decimal.Zero, nil
	}
	v = nonNumericPrefix.ReplaceAllString(v, "")
	v = strings.ReplaceAll(v, ",", "")
	return decimal.NewFromString(strings.TrimSpace(v))
}

// ProcessValidationErrors converts validator errors into a field => message map.
func ProcessValidationErrors(err error) map[string]string {
	res := make(map[string]string)
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		res["_"] = err.Error()
		return res
	}
	for _, fieldErr := range validationErrors {
		res[fieldErr.Field()] = "failed on '" + fieldErr.Tag() + "' validation"
	}
	return res
}

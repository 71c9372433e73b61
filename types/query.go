package types

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type Validater interface {
	Validate() map[string]string
}

func Validate(v Validater) map[string]string {
	return v.Validate()
}

func validateStruct(s any) map[string]string {
	if err := validate.Struct(s); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok {
			return map[string]string{"request": err.Error()}
		}
		errors := make(map[string]string)
		for _, e := range errs {
			errors[e.Field()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
		}
		return errors
	}
	return nil
}

// AskParams is the body of an ask request.
type AskParams struct {
	Question            string   `json:"question" validate:"required,min=1,max=1000"`
	MaxSources          *int     `json:"max_sources" validate:"omitempty,min=1,max=20"`
	SimilarityThreshold *float64 `json:"similarity_threshold" validate:"omitempty,gte=0,lte=1"`
	ValidateResponse    *bool    `json:"validate_response"`
}

func (params *AskParams) Validate() map[string]string {
	errors := validateStruct(params)
	if errors == nil && strings.TrimSpace(params.Question) == "" {
		errors = map[string]string{"Question": "failed on 'required' tag"}
	}
	return errors
}

// ReloadParams is the body of a reindex request.
type ReloadParams struct {
	ResetCollection bool   `json:"reset_collection"`
	DataDirectory   string `json:"data_directory" validate:"omitempty,max=4096"`
	Incremental     bool   `json:"incremental"`
}

func (params *ReloadParams) Validate() map[string]string {
	errors := validateStruct(params)
	if errors == nil && params.ResetCollection && params.Incremental {
		errors = map[string]string{"Incremental": "failed on 'excluded_with' tag"}
	}
	return errors
}

// SwitchModelParams selects a new model for one of the gateways.
type SwitchModelParams struct {
	Kind  string `json:"kind" validate:"required,oneof=embedding generation"`
	Model string `json:"model" validate:"required"`
}

func (params *SwitchModelParams) Validate() map[string]string {
	return validateStruct(params)
}

// ReloadResponse reports the outcome of a reindex request.
type ReloadResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Statistics any    `json:"statistics,omitempty"`
	TaskID     string `json:"task_id"`
}

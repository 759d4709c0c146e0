package services

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/aihub/knowledge-pipeline/internal/errors"
	"github.com/aihub/knowledge-pipeline/internal/models"
)

// AIUI切分长度上下限
const (
	aiuiMinLength = 16
	aiuiMaxLength = 1024
)

var sliceValidator = validator.New()

// DefaultSliceConfig 未指定切分参数时使用
func DefaultSliceConfig() *models.SliceConfig {
	return &models.SliceConfig{
		LengthRange: []int{256, 1024},
		Separators:  []string{"\n"},
	}
}

// normalizeSliceConfig 选择本次切分参数并按协议校验。
// 优先使用请求参数，其次是文件上次的参数，最后是默认值。
func normalizeSliceConfig(kind models.BackendKind, cfg, fallback *models.SliceConfig) (*models.SliceConfig, error) {
	var out *models.SliceConfig
	switch {
	case cfg != nil:
		out = cfg.Clone()
	case fallback != nil:
		out = fallback.Clone()
	default:
		out = DefaultSliceConfig()
	}
	if len(out.Separators) == 0 {
		out.Separators = []string{"\n"}
	}

	if err := sliceValidator.Struct(out); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid slice config: %v", err))
	}

	lo, hi := out.LengthRange[0], out.LengthRange[1]
	if lo > hi {
		return nil, apperrors.NewValidationError(fmt.Sprintf("lengthRange min %d is greater than max %d", lo, hi))
	}
	if kind == models.BackendAIUI && (lo < aiuiMinLength || hi > aiuiMaxLength) {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("lengthRange must be within [%d, %d] for AIUI", aiuiMinLength, aiuiMaxLength))
	}
	return out, nil
}

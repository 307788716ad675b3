package api

import (
	"net/http"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/supermq"
)

var (
	_ supermq.Response = (*submitResponse)(nil)
	_ supermq.Response = (*testResultResponse)(nil)
	_ supermq.Response = (*roundResponse)(nil)
	_ supermq.Response = (*roundPageResponse)(nil)
	_ supermq.Response = (*evaluationPageResponse)(nil)
	_ supermq.Response = (*variantsResponse)(nil)
	_ supermq.Response = (*variantResponse)(nil)
	_ supermq.Response = (*rankingsResponse)(nil)
	_ supermq.Response = (*shutdownResponse)(nil)
)

type submitResponse struct {
	coordinator.SubmitStatus
}

func (r submitResponse) Code() int {
	return http.StatusAccepted
}

func (r submitResponse) Headers() map[string]string {
	return map[string]string{}
}

func (r submitResponse) Empty() bool {
	return false
}

type testResultResponse struct{}

func (r testResultResponse) Code() int {
	return http.StatusAccepted
}

func (r testResultResponse) Headers() map[string]string {
	return map[string]string{}
}

func (r testResultResponse) Empty() bool {
	return true
}

type roundResponse struct {
	coordinator.RoundStatus
}

func (r roundResponse) Code() int {
	return http.StatusOK
}

func (r roundResponse) Headers() map[string]string {
	return map[string]string{}
}

func (r roundResponse) Empty() bool {
	return false
}

type roundPageResponse struct {
	coordinator.RoundPage
}

func (r roundPageResponse) Code() int {
	return http.StatusOK
}

func (r roundPageResponse) Headers() map[string]string {
	return map[string]string{}
}

func (r roundPageResponse) Empty() bool {
	return false
}

type evaluationPageResponse struct {
	coordinator.EvaluationPage
}

func (r evaluationPageResponse) Code() int {
	return http.StatusOK
}

func (r evaluationPageResponse) Headers() map[string]string {
	return map[string]string{}
}

func (r evaluationPageResponse) Empty() bool {
	return false
}

type variantsResponse struct {
	Variants []coordinator.VariantInfo `json:"variants"`
}

func (r variantsResponse) Code() int {
	return http.StatusOK
}

func (r variantsResponse) Headers() map[string]string {
	return map[string]string{}
}

func (r variantsResponse) Empty() bool {
	return false
}

type variantResponse struct {
	fl.VariantSnapshot
}

func (r variantResponse) Code() int {
	return http.StatusOK
}

func (r variantResponse) Headers() map[string]string {
	return map[string]string{}
}

func (r variantResponse) Empty() bool {
	return false
}

type rankingsResponse struct {
	VariantID int               `json:"variant_id"`
	Rankings  []fl.LayerRanking `json:"rankings"`
}

func (r rankingsResponse) Code() int {
	return http.StatusOK
}

func (r rankingsResponse) Headers() map[string]string {
	return map[string]string{}
}

func (r rankingsResponse) Empty() bool {
	return false
}

type shutdownResponse struct{}

func (r shutdownResponse) Code() int {
	return http.StatusAccepted
}

func (r shutdownResponse) Headers() map[string]string {
	return map[string]string{}
}

func (r shutdownResponse) Empty() bool {
	return true
}

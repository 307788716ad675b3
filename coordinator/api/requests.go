package api

import (
	"fmt"

	"github.com/absmach/evofed/pkg/api"
	"github.com/absmach/evofed/pkg/fl"
	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/fxamacker/cbor/v2"
)

type resultReq struct {
	fl.ClientResult
}

func (r *resultReq) validate() error {
	if r.ClientID == "" {
		return apiutil.ErrMissingID
	}
	if r.Round <= 0 {
		return errMissingRound
	}
	if len(r.UpdateWeight) == 0 && r.Success {
		return errEmptyUpdate
	}

	return nil
}

type cborResultReq struct {
	data []byte
}

func (r *cborResultReq) validate() error {
	if len(r.data) == 0 {
		return errEmptyBody
	}

	var head struct {
		ClientID string `cbor:"client_id"`
		Round    int    `cbor:"round"`
	}
	if err := cbor.Unmarshal(r.data, &head); err != nil {
		return fmt.Errorf("%w: %w", fl.ErrMalformedResult, err)
	}
	if head.ClientID == "" {
		return apiutil.ErrMissingID
	}
	if head.Round <= 0 {
		return errMissingRound
	}

	return nil
}

type testResultReq struct {
	fl.TestResult
}

func (r *testResultReq) validate() error {
	if r.ClientID == "" {
		return apiutil.ErrMissingID
	}
	if r.TestLen < 0 {
		return errNegativeTestLen
	}

	return nil
}

type variantReq struct {
	id int
}

func (r *variantReq) validate() error {
	if r.id < 0 {
		return apiutil.ErrMissingID
	}

	return nil
}

type listEntityReq struct {
	offset, limit uint64
}

func (r *listEntityReq) validate() error {
	if r.limit > api.MaxLimitSize {
		return apiutil.ErrLimitSize
	}

	return nil
}

type emptyReq struct{}

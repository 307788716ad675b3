package sdk

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/fl"
)

const (
	CTJSON string = "application/json"
	CTCBOR string = "application/cbor"
)

var ErrUnexpectedStatus = errors.New("unexpected response code")

type SDK interface {
	// SubmitResult reports one client's training result as JSON. The result
	// must carry the round it was trained for.
	//
	// example:
	//  status, _ := sdk.SubmitResult(fl.ClientResult{
	//    ClientID:     "client-0001",
	//    ModelID:      0,
	//    Round:        3,
	//    UpdateWeight: weights,
	//    Success:      true,
	//  })
	//  fmt.Println(status.VariantComplete)
	SubmitResult(result fl.ClientResult) (coordinator.SubmitStatus, error)

	// SubmitResultCBOR reports one client's training result as CBOR.
	//
	// example:
	//  status, _ := sdk.SubmitResultCBOR(result)
	//  fmt.Println(status)
	SubmitResultCBOR(result fl.ClientResult) (coordinator.SubmitStatus, error)

	// SubmitTestResult reports one executor's evaluation of a variant.
	//
	// example:
	//  _ = sdk.SubmitTestResult(fl.TestResult{ClientID: "executor-0", ModelID: 1, Top1: 812, TestLen: 1000})
	SubmitTestResult(result fl.TestResult) error

	// CurrentRound gets the state of the round being played.
	//
	// example:
	//  status, _ := sdk.CurrentRound()
	//  fmt.Println(status.State)
	CurrentRound() (coordinator.RoundStatus, error)

	// Rounds lists finished rounds.
	//
	// example:
	//  page, _ := sdk.Rounds(0, 10)
	//  fmt.Println(page)
	Rounds(offset, limit uint64) (coordinator.RoundPage, error)

	// Evaluations lists model test results.
	//
	// example:
	//  page, _ := sdk.Evaluations(0, 10)
	//  fmt.Println(page)
	Evaluations(offset, limit uint64) (coordinator.EvaluationPage, error)

	// Variants lists the model population.
	//
	// example:
	//  variants, _ := sdk.Variants()
	//  fmt.Println(variants)
	Variants() ([]coordinator.VariantInfo, error)

	// Variant gets a variant with its weights.
	//
	// example:
	//  variant, _ := sdk.Variant(1)
	//  fmt.Println(variant.LossHistory)
	Variant(id int) (fl.VariantSnapshot, error)

	// VariantRankings gets the per-round layer rankings of a variant.
	//
	// example:
	//  rankings, _ := sdk.VariantRankings(0)
	//  fmt.Println(rankings)
	VariantRankings(id int) ([]fl.LayerRanking, error)

	// Shutdown asks the coordinator to stop the experiment after the current
	// lifecycle step.
	//
	// example:
	//  _ = sdk.Shutdown()
	Shutdown() error
}

type evofedSDK struct {
	coordinatorURL string
	client         *http.Client
}

type Config struct {
	CoordinatorURL  string
	TLSVerification bool
}

func NewSDK(cfg Config) SDK {
	return &evofedSDK{
		coordinatorURL: strings.TrimSuffix(cfg.CoordinatorURL, "/"),
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: !cfg.TLSVerification,
				},
			},
		},
	}
}

type errorRes struct {
	Err string `json:"error"`
}

func (sdk *evofedSDK) processRequest(method, reqURL, contentType string, data []byte, expectedRespCode int) ([]byte, error) {
	req, err := http.NewRequest(method, reqURL, bytes.NewReader(data))
	if err != nil {
		return []byte{}, err
	}

	req.Header.Add("Content-Type", contentType)

	resp, err := sdk.client.Do(req)
	if err != nil {
		return []byte{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return []byte{}, err
	}

	if resp.StatusCode != expectedRespCode {
		var e errorRes
		if err := json.Unmarshal(body, &e); err == nil && e.Err != "" {
			return []byte{}, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, e.Err)
		}

		return []byte{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	return body, nil
}

func pageQuery(offset, limit uint64) string {
	queries := make([]string, 0)
	if offset > 0 {
		queries = append(queries, fmt.Sprintf("offset=%d", offset))
	}
	if limit > 0 {
		queries = append(queries, fmt.Sprintf("limit=%d", limit))
	}
	if len(queries) == 0 {
		return ""
	}

	return "?" + strings.Join(queries, "&")
}

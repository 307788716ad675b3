package sdk

import (
	"encoding/json"
	"net/http"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/fl"
	"github.com/fxamacker/cbor/v2"
)

const (
	resultsEndpoint = "/results"
	testsEndpoint   = "/tests"
)

func (sdk *evofedSDK) SubmitResult(result fl.ClientResult) (coordinator.SubmitStatus, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return coordinator.SubmitStatus{}, err
	}

	return sdk.submit(sdk.coordinatorURL+resultsEndpoint, CTJSON, data)
}

func (sdk *evofedSDK) SubmitResultCBOR(result fl.ClientResult) (coordinator.SubmitStatus, error) {
	data, err := cbor.Marshal(result)
	if err != nil {
		return coordinator.SubmitStatus{}, err
	}

	return sdk.submit(sdk.coordinatorURL+resultsEndpoint+"/cbor", CTCBOR, data)
}

func (sdk *evofedSDK) submit(url, contentType string, data []byte) (coordinator.SubmitStatus, error) {
	body, err := sdk.processRequest(http.MethodPost, url, contentType, data, http.StatusAccepted)
	if err != nil {
		return coordinator.SubmitStatus{}, err
	}

	var status coordinator.SubmitStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return coordinator.SubmitStatus{}, err
	}

	return status, nil
}

func (sdk *evofedSDK) SubmitTestResult(result fl.TestResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	_, err = sdk.processRequest(http.MethodPost, sdk.coordinatorURL+testsEndpoint, CTJSON, data, http.StatusAccepted)

	return err
}

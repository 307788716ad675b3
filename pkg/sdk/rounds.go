package sdk

import (
	"encoding/json"
	"net/http"

	"github.com/absmach/evofed/coordinator"
)

const (
	roundsEndpoint      = "/rounds"
	evaluationsEndpoint = "/evaluations"
	shutdownEndpoint    = "/shutdown"
)

func (sdk *evofedSDK) CurrentRound() (coordinator.RoundStatus, error) {
	url := sdk.coordinatorURL + roundsEndpoint + "/current"

	body, err := sdk.processRequest(http.MethodGet, url, CTJSON, nil, http.StatusOK)
	if err != nil {
		return coordinator.RoundStatus{}, err
	}

	var s coordinator.RoundStatus
	if err := json.Unmarshal(body, &s); err != nil {
		return coordinator.RoundStatus{}, err
	}

	return s, nil
}

func (sdk *evofedSDK) Rounds(offset, limit uint64) (coordinator.RoundPage, error) {
	url := sdk.coordinatorURL + roundsEndpoint + pageQuery(offset, limit)

	body, err := sdk.processRequest(http.MethodGet, url, CTJSON, nil, http.StatusOK)
	if err != nil {
		return coordinator.RoundPage{}, err
	}

	var p coordinator.RoundPage
	if err := json.Unmarshal(body, &p); err != nil {
		return coordinator.RoundPage{}, err
	}

	return p, nil
}

func (sdk *evofedSDK) Evaluations(offset, limit uint64) (coordinator.EvaluationPage, error) {
	url := sdk.coordinatorURL + evaluationsEndpoint + pageQuery(offset, limit)

	body, err := sdk.processRequest(http.MethodGet, url, CTJSON, nil, http.StatusOK)
	if err != nil {
		return coordinator.EvaluationPage{}, err
	}

	var p coordinator.EvaluationPage
	if err := json.Unmarshal(body, &p); err != nil {
		return coordinator.EvaluationPage{}, err
	}

	return p, nil
}

func (sdk *evofedSDK) Shutdown() error {
	url := sdk.coordinatorURL + shutdownEndpoint

	_, err := sdk.processRequest(http.MethodPost, url, CTJSON, nil, http.StatusAccepted)

	return err
}

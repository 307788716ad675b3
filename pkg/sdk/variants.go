package sdk

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/fl"
)

const variantsEndpoint = "/variants"

func (sdk *evofedSDK) Variants() ([]coordinator.VariantInfo, error) {
	body, err := sdk.processRequest(http.MethodGet, sdk.coordinatorURL+variantsEndpoint, CTJSON, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var res struct {
		Variants []coordinator.VariantInfo `json:"variants"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}

	return res.Variants, nil
}

func (sdk *evofedSDK) Variant(id int) (fl.VariantSnapshot, error) {
	url := fmt.Sprintf("%s%s/%d", sdk.coordinatorURL, variantsEndpoint, id)

	body, err := sdk.processRequest(http.MethodGet, url, CTJSON, nil, http.StatusOK)
	if err != nil {
		return fl.VariantSnapshot{}, err
	}

	var v fl.VariantSnapshot
	if err := json.Unmarshal(body, &v); err != nil {
		return fl.VariantSnapshot{}, err
	}

	return v, nil
}

func (sdk *evofedSDK) VariantRankings(id int) ([]fl.LayerRanking, error) {
	url := fmt.Sprintf("%s%s/%d/rankings", sdk.coordinatorURL, variantsEndpoint, id)

	body, err := sdk.processRequest(http.MethodGet, url, CTJSON, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var res struct {
		Rankings []fl.LayerRanking `json:"rankings"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}

	return res.Rankings, nil
}

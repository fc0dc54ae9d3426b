package emulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/bartossh/Fiduciary/ledger"
)

const fundTimeout = 5 * time.Second

var ErrFundRejected = errors.New("fund request rejected by the emulator")

// FundRemote credits the address on the emulator listening at nodeURL.
// Value is in the ledger smallest unit. Returns the new balance of the address.
func FundRemote(nodeURL, address, value string) (ledger.BalanceResponse, error) {
	raw, err := json.Marshal(FundRequest{Address: address, Value: value})
	if err != nil {
		return ledger.BalanceResponse{}, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(nodeURL, "/") + FundURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(raw)

	if err := fasthttp.DoTimeout(req, resp, fundTimeout); err != nil {
		return ledger.BalanceResponse{}, err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		var e ledger.ErrorResponse
		json.Unmarshal(resp.Body(), &e)
		return ledger.BalanceResponse{}, errors.Join(ErrFundRejected, fmt.Errorf("status code %d: %s", resp.StatusCode(), e.Error))
	}

	var b ledger.BalanceResponse
	if err := json.Unmarshal(resp.Body(), &b); err != nil {
		return ledger.BalanceResponse{}, err
	}
	return b, nil
}

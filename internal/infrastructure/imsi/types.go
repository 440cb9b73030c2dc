package imsi

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// number decodes JSON numbers and numeric strings. The wholesaler is not
// consistent about which one it sends.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = number(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = number(v)
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Info is the wholesaler's master profile of one IMSI
type Info struct {
	ICCID      string
	IMSI       string
	MSISDN     string
	BalanceMB  float64
	HasBalance bool
	LastUpdate string
	LastMCC    int
	LastMNC    int
}

type infoResponse struct {
	ICCID      string  `json:"ICCID"`
	IMSI       string  `json:"IMSI"`
	MSISDN     string  `json:"MSISDN"`
	Balance    *number `json:"BALANCE"`
	Balnce     *number `json:"BALNCE"`
	LastUpdate string  `json:"LASTUPDATE"`
	LastMCC    number  `json:"LASTMCC"`
	LastMNC    number  `json:"LASTMNC"`
}

func (r infoResponse) toInfo() *Info {
	info := &Info{
		ICCID:      r.ICCID,
		IMSI:       r.IMSI,
		MSISDN:     r.MSISDN,
		LastUpdate: r.LastUpdate,
		LastMCC:    int(r.LastMCC),
		LastMNC:    int(r.LastMNC),
	}
	// The documented field is misspelled in some environments.
	switch {
	case r.Balance != nil:
		info.BalanceMB, info.HasBalance = float64(*r.Balance), true
	case r.Balnce != nil:
		info.BalanceMB, info.HasBalance = float64(*r.Balnce), true
	}
	return info
}

// TopUpResult is the wholesaler's answer to a data top-up
type TopUpResult struct {
	Before   float64
	Added    float64
	NotAdded float64
	After    float64
	Fuel     float64
	Reason   string
}

type topUpResponse struct {
	Before   number `json:"BEFORE"`
	Added    number `json:"ADDED"`
	NotAdded number `json:"NOT_ADDED"`
	After    number `json:"AFTER"`
	Fuel     number `json:"FUEL"`
	Reason   string `json:"REASON"`
}

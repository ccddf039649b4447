package biometric

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tallyhq/turnstile/rest"
)

const defaultHTTPTimeout = 6500 * time.Millisecond

var Logger *log.Logger

func init() {
	// setup the logger
	Logger = log.New(os.Stderr, "", log.LstdFlags)
}

var httpClient = &http.Client{Timeout: defaultHTTPTimeout}

// Client is a Matcher backed by an external matching service that handles
// POST requests to /v1/match. The service is expected to respond
// synchronously with a MatchResult.
type Client struct {
	*rest.Client
}

// NewClient creates a Client for the matching service at base, using Basic
// Auth with the given id and token.
func NewClient(id, token, base string) *Client {
	return &Client{&rest.Client{
		Id:     id,
		Token:  token,
		Client: httpClient,
		Base:   base,
	}}
}

// Match posts the request to the matching service and decodes its verdict.
func (c *Client) Match(mr MatchRequest) (*MatchResult, error) {
	b := new(bytes.Buffer)
	if err := json.NewEncoder(b).Encode(mr); err != nil {
		return nil, err
	}
	req, err := c.NewRequest("POST", "/v1/match", b)
	if err != nil {
		return nil, err
	}
	res := new(MatchResult)
	if err := c.Do(req, res); err != nil {
		Logger.Printf("biometric: match request to %s failed: %s", c.Base, err)
		return nil, err
	}
	return res, nil
}

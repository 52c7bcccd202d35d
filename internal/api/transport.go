package api

import (
	"fmt"
	"net/http"
	"runtime"
)

type userAgentTransport struct {
	agent string
	rt    http.RoundTripper
}

func (u *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	r2.Header.Set("User-Agent", u.agent)
	return u.rt.RoundTrip(r2)
}

// UserAgent is the User-Agent sent with every request.
func UserAgent(version string) string {
	return fmt.Sprintf("codepulse/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}

func newHTTPClient(version string, base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: &userAgentTransport{agent: UserAgent(version), rt: base},
	}
}

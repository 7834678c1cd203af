// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"
)

// AppClients hands out clients authenticated as installations of one GitHub
// App. Installation transports are cached so their tokens are reused until
// ghinstallation refreshes them.
type AppClients struct {
	appID      int64
	privateKey []byte
	baseURL    string

	mu         sync.Mutex
	transports map[int64]*ghinstallation.Transport
}

// NewAppClients creates an AppClients for the App with the given id and PEM
// encoded private key.
func NewAppClients(appID int64, privateKey []byte) (*AppClients, error) {
	if appID == 0 {
		return nil, fmt.Errorf("app id is required")
	}
	if len(privateKey) == 0 {
		return nil, fmt.Errorf("private key is required")
	}
	return &AppClients{
		appID:      appID,
		privateKey: privateKey,
		transports: make(map[int64]*ghinstallation.Transport),
	}, nil
}

// WithBaseURL points token exchange and API calls at a GitHub Enterprise
// server or a test server. It must be called before any client is created.
func (a *AppClients) WithBaseURL(baseURL string) *AppClients {
	a.baseURL = strings.TrimSuffix(baseURL, "/")
	return a
}

// ForInstallation returns a Client acting as the given installation
func (a *AppClients) ForInstallation(ctx context.Context, installationID int64) (Client, error) {
	tr, err := a.transport(installationID)
	if err != nil {
		return nil, err
	}

	c := newClient(&http.Client{Transport: tr})
	if a.baseURL != "" {
		u, err := c.client.BaseURL.Parse(a.baseURL + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid base url %q: %w", a.baseURL, err)
		}
		c.client.BaseURL = u
	}
	return c, nil
}

// Token returns a current installation access token, suitable for
// authenticating git over HTTPS.
func (a *AppClients) Token(ctx context.Context, installationID int64) (string, error) {
	tr, err := a.transport(installationID)
	if err != nil {
		return "", err
	}
	token, err := tr.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get installation token: %w", err)
	}
	return token, nil
}

func (a *AppClients) transport(installationID int64) (*ghinstallation.Transport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if tr, ok := a.transports[installationID]; ok {
		return tr, nil
	}

	tr, err := ghinstallation.New(http.DefaultTransport, a.appID, installationID, a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create installation transport: %w", err)
	}
	if a.baseURL != "" {
		tr.BaseURL = a.baseURL
	}
	a.transports[installationID] = tr
	return tr, nil
}

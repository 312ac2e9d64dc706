package sharedws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

type (
	// OpenConnectionParams describes the shared socket target as assembled from configuration.
	OpenConnectionParams struct {
		Scheme    string
		Host      string
		Path      string
		Protocols []string
		Header    http.Header
	}

	OpenConnectionParamsGetter func(ctx context.Context) (OpenConnectionParams, error)

	OpenConnectionParamsRepo struct {
		logger Logger
		getter OpenConnectionParamsGetter
	}
)

// URL renders the target. The scheme defaults to ws and the path always starts with a slash.
func (p OpenConnectionParams) URL() url.URL {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "ws"
	}
	path := p.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return url.URL{Scheme: scheme, Host: p.Host, Path: path}
}

// Target returns URL as a string, the form SocketConnection.Connect takes.
func (p OpenConnectionParams) Target() string {
	u := p.URL()
	return u.String()
}

func (r OpenConnectionParamsRepo) Get(
	ctx context.Context,
) (params OpenConnectionParams, err error) {
	params, err = r.getter(ctx)
	if err != nil {
		r.logger.Errorf("cannot fetch open connection params: %s", err)
	}
	return
}

func NewOpenConnectionParamsRepo(
	logger Logger,
	getter OpenConnectionParamsGetter,
) OpenConnectionParamsRepo {
	return OpenConnectionParamsRepo{getter: getter, logger: logger}
}

// StaticOpenConnectionParams returns a getter always yielding p.
func StaticOpenConnectionParams(p OpenConnectionParams) OpenConnectionParamsGetter {
	return func(context.Context) (OpenConnectionParams, error) {
		return p, nil
	}
}

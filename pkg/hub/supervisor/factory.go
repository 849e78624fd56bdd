// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"

	"github.com/porticolabs/portico/pkg/hub"
	"github.com/porticolabs/portico/pkg/transport"
	transporterrors "github.com/porticolabs/portico/pkg/transport/errors"
)

// NewTransport is the default TransportFactory: it maps a backend definition
// onto the matching transport variant.
func NewTransport(backend hub.Backend, stderrObserver func(string)) (transport.Transport, error) {
	switch backend.Kind {
	case hub.KindLocal:
		return transport.NewStdio(transport.StdioConfig{
			Command:        backend.Command,
			Args:           backend.Args,
			Dir:            backend.WorkDir,
			Env:            transport.BuildEnv(backend.Env),
			StderrObserver: stderrObserver,
		}, transport.Options{}), nil

	case hub.KindPackage:
		command := backend.Command
		if command == "" {
			command = "npx"
		}
		return transport.NewStdio(transport.StdioConfig{
			Command:        command,
			Args:           transport.EnsurePackageRunnerArgs(backend.Args),
			Dir:            backend.WorkDir,
			Env:            transport.BuildPackageRunnerEnv(backend.Env),
			StderrObserver: stderrObserver,
		}, transport.Options{}), nil

	case hub.KindRemote:
		cfg := transport.HTTPConfig{
			Endpoint:      backend.URL,
			BearerToken:   backend.BearerToken,
			BasicAuthUser: backend.BasicAuthUser,
			BasicAuthPass: backend.BasicAuthPass,
		}
		kind := backend.Transport
		if kind == "" {
			kind = transport.KindSSE
		}
		return transport.New(kind, cfg, transport.Options{})

	default:
		return nil, fmt.Errorf("%w: backend kind %q", transporterrors.ErrUnsupportedTransport, backend.Kind)
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zsiec/framecast/internal/certs"
	"github.com/zsiec/framecast/internal/config"
	"github.com/zsiec/framecast/internal/transport"
	quictransport "github.com/zsiec/framecast/internal/transport/quic"
	srttransport "github.com/zsiec/framecast/internal/transport/srt"
)

// listen opens a listener of the configured transport kind on addr.
func listen(tc config.TransportConfig, addr string, log *slog.Logger) (transport.Listener, error) {
	switch tc.Kind {
	case config.TransportQUIC:
		var cert *certs.CertInfo
		if tc.CertFile != "" {
			var err error
			cert, err = certs.Load(tc.CertFile, tc.KeyFile)
			if err != nil {
				return nil, err
			}
		}
		return quictransport.Listen(addr, quictransport.ListenConfig{Cert: cert, Log: log})
	case config.TransportSRT:
		return srttransport.Listen(addr, srttransport.ListenConfig{
			RequireStreamID: tc.RequireStreamID,
			Log:             log,
		})
	}
	return nil, fmt.Errorf("unknown transport %q", tc.Kind)
}

// dial connects to addr with the configured transport kind.
func dial(ctx context.Context, tc config.TransportConfig, addr string, log *slog.Logger) (transport.Conn, error) {
	switch tc.Kind {
	case config.TransportQUIC:
		dctx := ctx
		if tc.DialTimeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, tc.DialTimeout)
			defer cancel()
		}
		return quictransport.Dial(dctx, addr, quictransport.DialConfig{
			StreamKey:          tc.StreamKey,
			Fingerprint:        tc.Fingerprint,
			InsecureSkipVerify: tc.InsecureSkipVerify,
			Log:                log,
		})
	case config.TransportSRT:
		return srttransport.Dial(ctx, addr, srttransport.DialConfig{
			StreamKey: tc.StreamKey,
			Timeout:   tc.DialTimeout,
			Log:       log,
		})
	}
	return nil, fmt.Errorf("unknown transport %q", tc.Kind)
}

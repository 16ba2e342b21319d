package main

import (
	"strings"

	"federation"
)

const defaultURL = "http://localhost:3001/remoteEntry.go"

func entryURL() string {
	if url := federation.Process.Getenv("REMOTE_CHECKOUT_URL"); url != "" {
		return url
	}
	return defaultURL
}

func init() {
	federation.SetModuleExports(federation.Entry{
		Get: func(id string) (federation.Factory, error) {
			switch id {
			case federation.RoutesModule:
				return func() (any, error) {
					return federation.RoutesFunc(func() ([]map[string]any, error) {
						return []map[string]any{{
							"path": "/checkout",
							"name": "Checkout",
							"meta": map[string]any{
								"remote": true,
								"scope":  "checkout",
								"url":    strings.TrimSpace(entryURL()),
								"module": "./RemoteHome",
							},
						}}, nil
					}), nil
				}, nil
			case "./RemoteHome":
				return func() (any, error) {
					return map[string]any{"default": "<main data-remote=\"checkout\"><h1>Checkout</h1></main>"}, nil
				}, nil
			}
			return federation.NotExposed(id), nil
		},
	})
}

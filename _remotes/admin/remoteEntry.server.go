package main

import (
	"strings"

	"federation"
)

const defaultURL = "http://localhost:3003/remoteEntry.go"

func entryURL() string {
	if url := federation.Process.Getenv("REMOTE_ADMIN_URL"); url != "" {
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
							"path": "/admin",
							"name": "Admin",
							"meta": map[string]any{
								"remote": true,
								"scope":  "admin",
								"url":    strings.TrimSpace(entryURL()),
								"module": "./RemoteHome",
							},
						}}, nil
					}), nil
				}, nil
			case "./RemoteHome":
				return func() (any, error) {
					return map[string]any{"default": "<main data-remote=\"admin\"><h1>Admin</h1></main>"}, nil
				}, nil
			}
			return federation.NotExposed(id), nil
		},
	})
}

package main

import (
	"strings"

	"federation"
)

const defaultURL = "http://localhost:3002/remoteEntry.go"

func entryURL() string {
	if url := federation.Process.Getenv("REMOTE_PROFILE_URL"); url != "" {
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
							"path": "/profile",
							"name": "Profile",
							"meta": map[string]any{
								"remote": true,
								"scope":  "profile",
								"url":    strings.TrimSpace(entryURL()),
								"module": "./RemoteHome",
							},
						}}, nil
					}), nil
				}, nil
			case "./RemoteHome":
				return func() (any, error) {
					return map[string]any{"default": "<main data-remote=\"profile\"><h1>Profile</h1></main>"}, nil
				}, nil
			}
			return federation.NotExposed(id), nil
		},
	})
}

package main

import "federation"

func init() {
	federation.Register("profile", federation.Entry{
		Get: func(id string) (federation.Factory, error) {
			if id != "./RemoteHome" {
				return federation.NotExposed(id), nil
			}
			return func() (any, error) {
				federation.Console.Debug("Rendering remote home", "scope", "profile")
				return map[string]any{"default": "<main data-remote=\"profile\"><h1>Profile</h1></main>"}, nil
			}, nil
		},
		Init: func(scope *federation.ShareScope) error {
			scope.Register("ui-runtime", "3.4.0", "profile", nil)
			return nil
		},
	})
}

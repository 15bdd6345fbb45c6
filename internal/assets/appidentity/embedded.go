package appidentityassets

import _ "embed"

// YAML is the embedded copy of `.fulmen/app.yaml`. It lets a standalone
// keyrelay binary resolve its identity outside the repository.
//
//go:embed app.yaml
var YAML []byte

// Copyright 2012-2023 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nats

import (
	"fmt"
	"os"
	"regexp"

	"github.com/nats-io/nkeys"
)

var (
	userJWTRe  = regexp.MustCompile(`(?s)-----BEGIN NATS USER JWT-----\r?\n(.+?)\r?\n------END NATS USER JWT------`)
	userSeedRe = regexp.MustCompile(`(?s)-----BEGIN USER NKEY SEED-----\r?\n(.+?)\r?\n------END USER NKEY SEED------`)
)

// parseCredsFile extracts the user JWT and the nkey seed out of the two
// decorated blocks a .creds file bundles together (spec.md §6
// "user_creds_file" option surface element).
func parseCredsFile(path string) (jwt string, seed []byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	jwtMatch := userJWTRe.FindSubmatch(data)
	if jwtMatch == nil {
		return "", nil, fmt.Errorf("nats: no user JWT found in %s", path)
	}
	seedMatch := userSeedRe.FindSubmatch(data)
	if seedMatch == nil {
		return "", nil, fmt.Errorf("nats: no nkey seed found in %s", path)
	}
	return string(jwtMatch[1]), seedMatch[1], nil
}

// userJWTFromCredsFile returns a UserJWTHandler that re-reads credsFile on
// every call, so rotating the file on disk is picked up on the next
// connect or reconnect without restarting the process.
func userJWTFromCredsFile(credsFile string) UserJWTHandler {
	return func() (string, error) {
		jwt, _, err := parseCredsFile(credsFile)
		return jwt, err
	}
}

// sigFromCredsFile returns a SignatureHandler that signs the server's
// nonce with the nkey seed bundled in credsFile.
func sigFromCredsFile(credsFile string) SignatureHandler {
	return func(nonce []byte) ([]byte, error) {
		_, seed, err := parseCredsFile(credsFile)
		if err != nil {
			return nil, err
		}
		kp, err := nkeys.FromSeed(seed)
		if err != nil {
			return nil, err
		}
		defer kp.Wipe()
		return kp.Sign(nonce)
	}
}

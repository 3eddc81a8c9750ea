// Copyright 2025 Tether Device Management
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package basic

import "errors"

// storeError is a sentinel error comparable with errors.Is.
type storeError struct {
	msg string
}

func (e *storeError) Error() string {
	return e.msg
}

var (
	// ErrNotFound reports that no document exists under the requested id.
	ErrNotFound = &storeError{msg: "document not found"}

	// ErrClosed reports an operation against a closed store.
	ErrClosed = &storeError{msg: "store is closed"}

	// ErrTxDone reports an operation on a transaction that was already
	// committed or rolled back.
	ErrTxDone = &storeError{msg: "transaction already committed or rolled back"}
)

var (
	errNestedTx      = errors.New("nested transactions are not supported")
	errTxMaintenance = errors.New("maintenance is not available inside a transaction")
	errTxClose       = errors.New("close the transaction with Commit or Rollback")
)

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// FunctionCallCost is charged each time the guest enters one of its
// own functions, so unbounded recursion ends at the instruction limit.
const FunctionCallCost = 1

// callMeter charges guest function entries to the execution's meter.
// It is attached at compile time through the context.
type callMeter struct{}

var _ experimental.FunctionListenerFactory = callMeter{}

// NewFunctionListener implements experimental.FunctionListenerFactory.
// Imported functions are host functions, which charge for themselves.
func (callMeter) NewFunctionListener(definition api.FunctionDefinition) experimental.FunctionListener {
	if _, _, imported := definition.Import(); imported {
		return nil
	}
	return callMeter{}
}

func (callMeter) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	state := stateFrom(ctx)
	state.check(state.execution.Meter.Charge(FunctionCallCost))
}

func (callMeter) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (callMeter) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}

package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Forwarder ABI — getNonce, verify, execute, and the Executed event. The
// contract's Solidity source is a black box; only this interface is consumed.
const forwarderABIJSON = `[
	{"type":"function","name":"getNonce","stateMutability":"view",
	 "inputs":[{"name":"from","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"verify","stateMutability":"view",
	 "inputs":[
		{"name":"req","type":"tuple","components":[
			{"name":"from","type":"address"},
			{"name":"to","type":"address"},
			{"name":"value","type":"uint256"},
			{"name":"gas","type":"uint256"},
			{"name":"nonce","type":"uint256"},
			{"name":"deadline","type":"uint256"},
			{"name":"data","type":"bytes"}
		]},
		{"name":"signature","type":"bytes"}
	 ],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"execute","stateMutability":"payable",
	 "inputs":[
		{"name":"req","type":"tuple","components":[
			{"name":"from","type":"address"},
			{"name":"to","type":"address"},
			{"name":"value","type":"uint256"},
			{"name":"gas","type":"uint256"},
			{"name":"nonce","type":"uint256"},
			{"name":"deadline","type":"uint256"},
			{"name":"data","type":"bytes"}
		]},
		{"name":"signature","type":"bytes"}
	 ],
	 "outputs":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]},
	{"type":"event","name":"Executed","anonymous":false,
	 "inputs":[
		{"name":"from","type":"address","indexed":false},
		{"name":"to","type":"address","indexed":false},
		{"name":"success","type":"bool","indexed":false},
		{"name":"result","type":"bytes","indexed":false}
	 ]}
]`

// Stablecoin ABI — the EIP-3009 subset plus balanceOf.
const stablecoinABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},
		{"name":"r","type":"bytes32"},
		{"name":"s","type":"bytes32"}
	 ],
	 "outputs":[]},
	{"type":"function","name":"authorizationState","stateMutability":"view",
	 "inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"DOMAIN_SEPARATOR","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"bytes32"}]}
]`

// ForwarderABI and StablecoinABI are parsed once and reused by every caller
// that needs to pack calldata or decode a log/return value.
var (
	ForwarderABI  abi.ABI
	StablecoinABI abi.ABI
)

func init() {
	var err error

	ForwarderABI, err = abi.JSON(strings.NewReader(forwarderABIJSON))
	if err != nil {
		panic("chain: invalid forwarder ABI: " + err.Error())
	}

	StablecoinABI, err = abi.JSON(strings.NewReader(stablecoinABIJSON))
	if err != nil {
		panic("chain: invalid stablecoin ABI: " + err.Error())
	}
}

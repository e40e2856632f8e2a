// Package contract holds the SubsidyRegistry ABI and helpers to pack calls and
// decode its events.
package contract

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Event names emitted by SubsidyRegistry.
const (
	EventProgramCreated       = "ProgramCreated"
	EventProgramUpdated       = "ProgramUpdated"
	EventClaimSubmitted       = "ClaimSubmitted"
	EventClaimApproved        = "ClaimApproved"
	EventClaimRejected        = "ClaimRejected"
	EventClaimPaid            = "ClaimPaid"
	EventFundsDeposited       = "FundsDeposited"
	EventRoleGranted          = "RoleGranted"
	EventRoleRevoked          = "RoleRevoked"
	EventOracleUpdated        = "OracleUpdated"
	EventOwnershipTransferred = "OwnershipTransferred"
)

// Method names used by the ledger client.
const (
	MethodCreateProgram = "createProgram"
	MethodSubmitClaim   = "submitClaim"
)

// RegistryABI is the JSON ABI of the SubsidyRegistry contract.
const RegistryABI = `[
 {"type":"function","name":"createProgram","stateMutability":"nonpayable","inputs":[
  {"name":"offchainId","type":"string"},{"name":"amount","type":"uint256"},{"name":"maxCap","type":"uint256"}],
  "outputs":[{"name":"programId","type":"uint256"}]},
 {"type":"function","name":"submitClaim","stateMutability":"nonpayable","inputs":[
  {"name":"programId","type":"uint256"},{"name":"metadataHash","type":"bytes32"}],
  "outputs":[{"name":"claimId","type":"uint256"}]},
 {"type":"event","name":"ProgramCreated","anonymous":false,"inputs":[
  {"name":"programId","type":"uint256","indexed":true},
  {"name":"creator","type":"address","indexed":true},
  {"name":"offchainId","type":"string","indexed":false},
  {"name":"amount","type":"uint256","indexed":false},
  {"name":"maxCap","type":"uint256","indexed":false}]},
 {"type":"event","name":"ProgramUpdated","anonymous":false,"inputs":[
  {"name":"programId","type":"uint256","indexed":true},
  {"name":"active","type":"bool","indexed":false},
  {"name":"amount","type":"uint256","indexed":false},
  {"name":"maxCap","type":"uint256","indexed":false}]},
 {"type":"event","name":"ClaimSubmitted","anonymous":false,"inputs":[
  {"name":"claimId","type":"uint256","indexed":true},
  {"name":"programId","type":"uint256","indexed":true},
  {"name":"farmer","type":"address","indexed":true},
  {"name":"metadataHash","type":"bytes32","indexed":false}]},
 {"type":"event","name":"ClaimApproved","anonymous":false,"inputs":[
  {"name":"claimId","type":"uint256","indexed":true},
  {"name":"approver","type":"address","indexed":true}]},
 {"type":"event","name":"ClaimRejected","anonymous":false,"inputs":[
  {"name":"claimId","type":"uint256","indexed":true},
  {"name":"approver","type":"address","indexed":true},
  {"name":"reason","type":"string","indexed":false}]},
 {"type":"event","name":"ClaimPaid","anonymous":false,"inputs":[
  {"name":"claimId","type":"uint256","indexed":true},
  {"name":"farmer","type":"address","indexed":true},
  {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"FundsDeposited","anonymous":false,"inputs":[
  {"name":"from","type":"address","indexed":true},
  {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"RoleGranted","anonymous":false,"inputs":[
  {"name":"role","type":"bytes32","indexed":true},
  {"name":"account","type":"address","indexed":true},
  {"name":"sender","type":"address","indexed":true}]},
 {"type":"event","name":"RoleRevoked","anonymous":false,"inputs":[
  {"name":"role","type":"bytes32","indexed":true},
  {"name":"account","type":"address","indexed":true},
  {"name":"sender","type":"address","indexed":true}]},
 {"type":"event","name":"OracleUpdated","anonymous":false,"inputs":[
  {"name":"previousOracle","type":"address","indexed":true},
  {"name":"newOracle","type":"address","indexed":true}]},
 {"type":"event","name":"OwnershipTransferred","anonymous":false,"inputs":[
  {"name":"previousOwner","type":"address","indexed":true},
  {"name":"newOwner","type":"address","indexed":true}]}
]`

var registry = mustParse(RegistryABI)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("contract: parse registry abi: " + err.Error())
	}
	return parsed
}

// ABI returns the parsed SubsidyRegistry ABI.
func ABI() abi.ABI {
	return registry
}

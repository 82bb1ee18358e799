// Package chain defines the collaborators the cut engine talks to: the
// chain client and signer, the loupe used for drift detection, the relay
// used for multi-signature proposals and the artifact source for bytecode.
//
// Adapters:
//   - RPCClient: JSON-RPC node via go-ethereum ethclient and bind
//   - Simulated: in-memory diamond with EIP-2535 cut semantics, used by
//     "plan --simulate" and tests
//   - HardhatArtifacts: hardhat build artifacts with library linking
//   - Outbox: relay that writes proposal documents to a directory
package chain

package contracts

// RevertProbeABI is the interface of the deployed probe contract. Both writes increment the
// success counter; catchRevertAndSucceed does so after catching a revert from an internal call.
const RevertProbeABI = `[
  {"inputs":[],"name":"catchRevertAndSucceed","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[],"name":"simpleSuccess","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[],"name":"getSuccessCount","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"successCount","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"anonymous":false,"inputs":[{"indexed":false,"internalType":"string","name":"message","type":"string"},{"indexed":false,"internalType":"address","name":"caller","type":"address"}],"name":"TransactionSucceeded","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":false,"internalType":"string","name":"reason","type":"string"}],"name":"InternalCallFailed","type":"event"}
]`

// RevertProbeAddress is the Sepolia deployment.
const RevertProbeAddress = "0x0FB96262E2f2592deC70919373F738091E9E19F5"

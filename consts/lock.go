package consts

// AdvisoryLockID is the pg_advisory_lock key held while migrations run.
const AdvisoryLockID int64 = 0x636f7572696572

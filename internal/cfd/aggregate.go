package cfd

// Fold rebuilds a State by applying history in order onto a fresh State
// seeded from static. It is a pure function of (static, history) — I1 — and
// Version always equals len(history) — I2.
func Fold(static Cfd, history []Event) *State {
	s := &State{Static: static}
	for _, e := range history {
		s.Apply(e)
	}
	return s
}

// Apply mutates s in place for one event and increments Version. Unknown
// event names are ignored rather than causing an error, so the log can gain
// new event kinds without breaking older readers.
func (s *State) Apply(e Event) {
	defer func() { s.Version++ }()

	switch e.Name {
	case NameContractSetupCompleted:
		p, err := decodePayload[ContractSetupCompletedPayload](e, e.Name)
		if err == nil {
			s.Dlc = p.Dlc
			s.DlcEstablishedAt = e.Timestamp
		}

	case NameContractSetupFailed, NameOfferRejected:
		// No state change; these are terminal markers at version 0/1.

	case NameRolloverCompleted:
		p, err := decodePayload[RolloverCompletedPayload](e, e.Name)
		if err == nil {
			// I5: *Confirmed finality flags never clear. A rollover only
			// replaces the Dlc (I3); RevokedCommits carries forward because
			// the builder copies them into the new Dlc (I4).
			s.Dlc = p.Dlc
			s.DlcEstablishedAt = e.Timestamp
		}

	case NameRolloverRejected, NameRolloverFailed:
		// No state change.

	case NameCollaborativeSettlementCompleted:
		p, err := decodePayload[CollaborativeSettlementCompletedPayload](e, e.Name)
		if err == nil {
			tx := p.SpendTx
			s.CollabSpendTx = &tx
		}

	case NameCollaborativeSettlementRejected, NameCollaborativeSettlementFailed:
		// No state change; the party falls back to unilateral closing using
		// the commit tx carried in the payload (handled by the caller, not
		// the aggregate).

	case NameManualCommit:
		p, err := decodePayload[ManualCommitPayload](e, e.Name)
		if err == nil {
			tx := p.Tx
			s.CommitTx = &tx
		}

	case NameOracleAttestedPriorCetTimelock:
		p, err := decodePayload[OracleAttestedPriorCetTimelockPayload](e, e.Name)
		if err == nil {
			cet := p.TimelockedCet
			s.DecryptedCet = &cet
			commit := p.CommitTx
			s.CommitTx = &commit
			s.Attested = true
		}

	case NameOracleAttestedPostCetTimelock:
		p, err := decodePayload[OracleAttestedPostCetTimelockPayload](e, e.Name)
		if err == nil {
			cet := p.Cet
			s.DecryptedCet = &cet
			s.Attested = true
		}

	case NameLockConfirmed:
		s.LockFinality = true

	case NameCommitConfirmed:
		s.CommitFinality = true

	case NameCetConfirmed:
		s.CetFinality = true

	case NameRefundConfirmed:
		s.RefundFinality = true

	case NameCollaborativeSettlementConfirmed:
		s.CollabFinality = true

	case NameRevokeConfirmed:
		// Open Question decision (see DESIGN.md): intent preserved, no
		// punishment-transaction logic yet. Record the finality flag and
		// the triggering commit for a future punishment builder.
		s.RevokeFinality = true
		if s.CommitTx != nil {
			tx := *s.CommitTx
			s.LastRevokedCommit = &tx
		}

	case NameCetTimelockConfirmedPriorOracleAttestation:
		s.CetTimelockExpired = true

	case NameCetTimelockConfirmedPostOracleAttestation:
		s.CetTimelockExpired = true
		p, err := decodePayload[CetTimelockConfirmedPostOracleAttestationPayload](e, e.Name)
		if err == nil {
			cet := p.Cet
			s.DecryptedCet = &cet
		}

	case NameRefundTimelockConfirmed:
		s.RefundTimelockExpired = true
	}
}

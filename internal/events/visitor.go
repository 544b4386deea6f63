package events

// Visitor handles every event kind. Implementations get a compile error when
// a kind is added, which keeps consumers such as the terminal printer
// exhaustive.
type Visitor interface {
	VisitStateChanged(StateChanged)
	VisitReviewCompleted(ReviewCompleted)
	VisitRefinementStarted(RefinementStarted)
	VisitRefinementCompleted(RefinementCompleted)
	VisitPRFeedbackReceived(PRFeedbackReceived)
	VisitReadyForHuman(ReadyForHuman)
	VisitError(Error)
	VisitMonitoringStarted(MonitoringStarted)
	VisitMonitoringStopped(MonitoringStopped)
	VisitNewComments(NewComments)
	VisitNewReviews(NewReviews)
	VisitChecksChanged(ChecksChanged)
	VisitMergeableChanged(MergeableChanged)
	VisitChangesRequested(ChangesRequested)
	VisitPRMerged(PRMerged)
	VisitPRClosed(PRClosed)
	VisitPullCompleted(PullCompleted)
	VisitPullFailed(PullFailed)
	VisitWorktreeCleaned(WorktreeCleaned)
	VisitCleanupFailed(CleanupFailed)
}

func (e StateChanged) Accept(v Visitor)        { v.VisitStateChanged(e) }
func (e ReviewCompleted) Accept(v Visitor)     { v.VisitReviewCompleted(e) }
func (e RefinementStarted) Accept(v Visitor)   { v.VisitRefinementStarted(e) }
func (e RefinementCompleted) Accept(v Visitor) { v.VisitRefinementCompleted(e) }
func (e PRFeedbackReceived) Accept(v Visitor)  { v.VisitPRFeedbackReceived(e) }
func (e ReadyForHuman) Accept(v Visitor)       { v.VisitReadyForHuman(e) }
func (e Error) Accept(v Visitor)               { v.VisitError(e) }
func (e MonitoringStarted) Accept(v Visitor)   { v.VisitMonitoringStarted(e) }
func (e MonitoringStopped) Accept(v Visitor)   { v.VisitMonitoringStopped(e) }
func (e NewComments) Accept(v Visitor)         { v.VisitNewComments(e) }
func (e NewReviews) Accept(v Visitor)          { v.VisitNewReviews(e) }
func (e ChecksChanged) Accept(v Visitor)       { v.VisitChecksChanged(e) }
func (e MergeableChanged) Accept(v Visitor)    { v.VisitMergeableChanged(e) }
func (e ChangesRequested) Accept(v Visitor)    { v.VisitChangesRequested(e) }
func (e PRMerged) Accept(v Visitor)            { v.VisitPRMerged(e) }
func (e PRClosed) Accept(v Visitor)            { v.VisitPRClosed(e) }
func (e PullCompleted) Accept(v Visitor)       { v.VisitPullCompleted(e) }
func (e PullFailed) Accept(v Visitor)          { v.VisitPullFailed(e) }
func (e WorktreeCleaned) Accept(v Visitor)     { v.VisitWorktreeCleaned(e) }
func (e CleanupFailed) Accept(v Visitor)       { v.VisitCleanupFailed(e) }

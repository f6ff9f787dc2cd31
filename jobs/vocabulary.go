// Package jobs holds the closed vocabulary of queues and job names of the
// job board, their payloads and the producer used by application services
// to enqueue them.
package jobs

import queue "github.com/DoNewsCode/jobboard-queue"

// Queue names.
const (
	QueueSearchIndex = "search-index"
	QueueEmail       = "email"
	QueueFileUpload  = "file-upload"
	QueueCleanup     = "cleanup"
)

// Search-index jobs.
const (
	IndexJob       queue.JobName = "indexJob"
	UpdateJobIndex queue.JobName = "updateJobIndex"
	DeleteJobIndex queue.JobName = "deleteJobIndex"
)

// Email jobs. The job name doubles as the default template name.
const (
	SendJobApplicationConfirmation       queue.JobName = "sendJobApplicationConfirmation"
	SendApplicationWithdrawalConfirmation queue.JobName = "sendApplicationWithdrawalConfirmation"
	SendAccountDeletionConfirmation      queue.JobName = "sendAccountDeletionConfirmation"
	SendAccountDeactivationConfirmation  queue.JobName = "sendAccountDeactivationConfirmation"
	SendJobDeletionEmail                 queue.JobName = "sendJobDeletionEmail"
	SendOrganizationInvitation           queue.JobName = "sendOrganizationInvitation"
	SendOrganizationWelcome              queue.JobName = "sendOrganizationWelcome"
	SendPasswordReset                    queue.JobName = "sendPasswordReset"
	SendEmailVerification                queue.JobName = "sendEmailVerification"
)

// File upload and cleanup jobs.
const (
	UploadFile       queue.JobName = "uploadFile"
	CleanupTempFiles queue.JobName = "cleanupTempFiles"
)

// CleanupJobID is the fixed id of the cleanup schedule.
const CleanupJobID = "cleanup-temp-files"

// Vocabulary maps every queue to the job names it accepts.
var Vocabulary = map[string][]queue.JobName{
	QueueSearchIndex: {IndexJob, UpdateJobIndex, DeleteJobIndex},
	QueueEmail: {
		SendJobApplicationConfirmation,
		SendApplicationWithdrawalConfirmation,
		SendAccountDeletionConfirmation,
		SendAccountDeactivationConfirmation,
		SendJobDeletionEmail,
		SendOrganizationInvitation,
		SendOrganizationWelcome,
		SendPasswordReset,
		SendEmailVerification,
	},
	QueueFileUpload: {UploadFile},
	QueueCleanup:    {CleanupTempFiles},
}

// Knows reports whether the queue accepts the job name.
func Knows(queueName string, name queue.JobName) bool {
	for _, n := range Vocabulary[queueName] {
		if n == name {
			return true
		}
	}
	return false
}

// QueueOf returns the queue a job name belongs to.
func QueueOf(name queue.JobName) (string, bool) {
	for q, names := range Vocabulary {
		for _, n := range names {
			if n == name {
				return q, true
			}
		}
	}
	return "", false
}

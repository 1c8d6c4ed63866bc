package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/austindbirch/notify_hook/internal/delivery"
	"github.com/austindbirch/notify_hook/internal/event"
	"github.com/austindbirch/notify_hook/internal/event/eventtest"
	"github.com/austindbirch/notify_hook/internal/ingest"
	"github.com/austindbirch/notify_hook/internal/jira"
	"github.com/austindbirch/notify_hook/internal/ledger"
	"github.com/austindbirch/notify_hook/internal/logging"
)

func mustNormalize(payload map[string]any) event.Event {
	ev, err := event.Normalize(payload)
	Expect(err).NotTo(HaveOccurred())
	return ev
}

func renderedText(msg delivery.Message) string {
	out := msg.Text
	for _, b := range msg.Blocks {
		if b.Text != nil {
			out += "\n" + b.Text.Text
		}
		for _, f := range b.Fields {
			out += "\n" + f.Text
		}
	}
	return out
}

func docText(d delivery.Doc) string {
	out := d.Text
	for _, c := range d.Content {
		out += " " + docText(c)
	}
	return out
}

var _ = Describe("Service", func() {
	var (
		ctx    context.Context
		store  *ledger.MemoryStore
		ticket *fakeTicketPort
		chat   *fakeChatPort
		svc    *ingest.Service
		opts   ingest.Options
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = ledger.NewMemoryStore()
		ticket = &fakeTicketPort{}
		chat = &fakeChatPort{}
		opts = ingest.Options{
			Ticket:      ticket,
			Chat:        chat,
			ProjectKey:  "ACCR",
			PortTimeout: time.Second,
			Logger:      logging.NewWithWriter("test", io.Discard),
		}
	})

	JustBeforeEach(func() {
		svc = ingest.NewService(store, opts)
	})

	Describe("Process", func() {
		Context("when a pr_opened event is new and both channels succeed", func() {
			It("should create the ticket, send the message and complete", func() {
				ticket.createFn = func(_ context.Context, issue delivery.Issue) (delivery.IssueRef, error) {
					Expect(issue.ProjectKey).To(Equal("ACCR"))
					Expect(issue.Labels).To(ConsistOf("contract-change", "devin-remediation"))
					return delivery.IssueRef{Key: "ACCR-42", URL: "https://jira.example.com/browse/ACCR-42"}, nil
				}

				res, err := svc.Process(ctx, mustNormalize(eventtest.PrOpenedPayload(9999)))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Duplicate).To(BeFalse())
				Expect(res.DedupKey).To(Equal("pr_opened:9999"))
				Expect(res.Ticket.Created()).To(BeTrue())
				Expect(res.Ticket.Key).To(Equal("ACCR-42"))
				Expect(res.Chat.Sent()).To(BeTrue())
				Expect(res.Overall).To(Equal(delivery.OverallCompleted))
				Expect(renderedText(chat.Last())).To(ContainSubstring("ACCR-42"))

				rec, err := store.Get(ctx, "pr_opened:9999")
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Ticket.Status).To(Equal(delivery.TicketCreated))
				Expect(rec.Ticket.URL).To(Equal("https://jira.example.com/browse/ACCR-42"))
				Expect(rec.Chat.Status).To(Equal(delivery.ChatSent))
				Expect(rec.Overall).To(Equal(delivery.OverallCompleted))
				Expect(rec.FinalizedAt).NotTo(BeNil())
			})

			It("should make no port calls for the same event a second time", func() {
				ev := mustNormalize(eventtest.PrOpenedPayload(9999))
				_, err := svc.Process(ctx, ev)
				Expect(err).NotTo(HaveOccurred())

				res, err := svc.Process(ctx, ev)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Duplicate).To(BeTrue())
				Expect(res.DedupKey).To(Equal("pr_opened:9999"))
				Expect(res.Previous).NotTo(BeNil())
				Expect(res.Previous.OverallStatus).To(Equal(delivery.OverallCompleted))
				Expect(res.Previous.TicketKey).To(Equal("ACCR-1"))
				Expect(ticket.Calls()).To(Equal(1))
				Expect(chat.Calls()).To(Equal(1))
			})

			It("should treat a changed payload with the same job_id as a duplicate", func() {
				_, err := svc.Process(ctx, mustNormalize(eventtest.PrOpenedPayload(7)))
				Expect(err).NotTo(HaveOccurred())

				changed := eventtest.With(eventtest.PrOpenedPayload(7), "summary", "different text")
				res, err := svc.Process(ctx, mustNormalize(changed))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Duplicate).To(BeTrue())
				Expect(ticket.Calls()).To(Equal(1))
			})
		})

		Context("when the ticket channel fails", func() {
			BeforeEach(func() {
				ticket.createFn = func(context.Context, delivery.Issue) (delivery.IssueRef, error) {
					return delivery.IssueRef{}, &jira.Error{Kind: jira.KindAuth, StatusCode: 401}
				}
			})

			It("should still post the message with a ticket failure note", func() {
				res, err := svc.Process(ctx, mustNormalize(eventtest.PrOpenedPayload(1)))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Ticket.Failed()).To(BeTrue())
				Expect(res.Ticket.Reason).To(ContainSubstring("401"))
				Expect(res.Chat.Sent()).To(BeTrue())
				Expect(res.Overall).To(Equal(delivery.OverallPartialFailure))
				Expect(chat.Calls()).To(Equal(1))
				Expect(renderedText(chat.Last())).To(ContainSubstring("Jira ticket creation failed"))

				rec, err := store.Get(ctx, "pr_opened:1")
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Ticket.Status).To(Equal(delivery.TicketFailed))
				Expect(rec.Ticket.Reason).To(ContainSubstring("auth"))
				Expect(rec.Chat.Status).To(Equal(delivery.ChatSent))
			})
		})

		Context("when the chat system answers ok:false", func() {
			BeforeEach(func() {
				chat.postFn = func(context.Context, delivery.Message) (delivery.ChatAck, error) {
					return delivery.ChatAck{OK: false, Error: "not_in_channel"}, nil
				}
			})

			It("should record the chat as failed, not sent", func() {
				res, err := svc.Process(ctx, mustNormalize(eventtest.RecoveryCompletePayload(1)))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.DedupKey).To(Equal("recovery_complete:1"))
				Expect(res.Ticket.Created()).To(BeTrue())
				Expect(res.Chat.Sent()).To(BeFalse())
				Expect(res.Chat.Reason).To(Equal("not_in_channel"))
				Expect(res.Overall).To(Equal(delivery.OverallPartialFailure))

				rec, err := store.Get(ctx, "recovery_complete:1")
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Chat.Status).To(Equal(delivery.ChatFailed))
				Expect(rec.Chat.Reason).To(Equal("not_in_channel"))
			})
		})

		Context("when the chat transport errors", func() {
			It("should keep the created ticket and fail only the chat", func() {
				chat.postFn = func(context.Context, delivery.Message) (delivery.ChatAck, error) {
					return delivery.ChatAck{}, errors.New("slack: connection_refused: dial tcp")
				}

				res, err := svc.Process(ctx, mustNormalize(eventtest.PrOpenedPayload(2)))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Ticket.Created()).To(BeTrue())
				Expect(res.Chat.Failed()).To(BeTrue())
				Expect(res.Chat.Reason).To(ContainSubstring("connection_refused"))
				Expect(res.Overall).To(Equal(delivery.OverallPartialFailure))
			})
		})

		Context("when a port exceeds the port timeout", func() {
			BeforeEach(func() {
				opts.PortTimeout = 50 * time.Millisecond
				ticket.createFn = func(ctx context.Context, _ delivery.Issue) (delivery.IssueRef, error) {
					<-ctx.Done()
					return delivery.IssueRef{}, ctx.Err()
				}
			})

			It("should record a timeout failure and still attempt the chat", func() {
				res, err := svc.Process(ctx, mustNormalize(eventtest.PrOpenedPayload(3)))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Ticket.Failed()).To(BeTrue())
				Expect(res.Ticket.Reason).To(HavePrefix("timeout"))
				Expect(res.Chat.Sent()).To(BeTrue())
			})
		})

		Context("when the caller goes away mid-request", func() {
			It("should finish both channels and finalize", func() {
				callerCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				ticket.createFn = func(portCtx context.Context, _ delivery.Issue) (delivery.IssueRef, error) {
					cancel()
					Expect(portCtx.Err()).NotTo(HaveOccurred())
					return delivery.IssueRef{Key: "ACCR-5"}, nil
				}

				res, err := svc.Process(callerCtx, mustNormalize(eventtest.PrOpenedPayload(5)))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Overall).To(Equal(delivery.OverallCompleted))
				rec, err := store.Get(ctx, "pr_opened:5")
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Overall).To(Equal(delivery.OverallCompleted))
			})
		})

		Context("when channels are not configured", func() {
			BeforeEach(func() {
				opts.Ticket = nil
			})

			It("should mark the ticket skipped and complete", func() {
				res, err := svc.Process(ctx, mustNormalize(eventtest.PrOpenedPayload(6)))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Ticket.Status).To(Equal(delivery.TicketSkipped))
				Expect(res.Chat.Sent()).To(BeTrue())
				Expect(res.Overall).To(Equal(delivery.OverallCompleted))
				Expect(renderedText(chat.Last())).NotTo(ContainSubstring("creation failed"))
			})
		})

		Context("when the reservation disappears before finalize", func() {
			It("should return ErrReservationLost with the computed outcome", func() {
				ticket.createFn = func(context.Context, delivery.Issue) (delivery.IssueRef, error) {
					store.Remove("pr_opened:8")
					return delivery.IssueRef{Key: "ACCR-8"}, nil
				}

				res, err := svc.Process(ctx, mustNormalize(eventtest.PrOpenedPayload(8)))

				Expect(err).To(MatchError(ledger.ErrReservationLost))
				Expect(res.Ticket.Key).To(Equal("ACCR-8"))
				_, getErr := store.Get(ctx, "pr_opened:8")
				Expect(getErr).To(MatchError(ledger.ErrNotFound))
			})
		})

		Context("when the store cannot reserve", func() {
			It("should return the error without calling any port", func() {
				svc = ingest.NewService(&brokenStore{}, opts)

				_, err := svc.Process(ctx, mustNormalize(eventtest.PrOpenedPayload(9)))

				Expect(err).To(MatchError(errStoreDown))
				Expect(ticket.Calls()).To(BeZero())
				Expect(chat.Calls()).To(BeZero())
			})
		})

		Context("when the same event arrives concurrently", func() {
			It("should deliver to each channel exactly once", func() {
				const n = 12
				ev := mustNormalize(eventtest.RecoveryCompletePayload(77))

				var (
					wg         sync.WaitGroup
					mu         sync.Mutex
					processed  int
					duplicates int
				)
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						res, err := svc.Process(ctx, ev)
						Expect(err).NotTo(HaveOccurred())
						mu.Lock()
						defer mu.Unlock()
						if res.Duplicate {
							duplicates++
						} else {
							processed++
						}
					}()
				}
				wg.Wait()

				Expect(processed).To(Equal(1))
				Expect(duplicates).To(Equal(n - 1))
				Expect(ticket.Calls()).To(Equal(1))
				Expect(chat.Calls()).To(Equal(1))
			})
		})
		Context("when recovery_complete follows tickets opened for the same change", func() {
			processPR := func(jobID, changeID int64) {
				payload := eventtest.With(eventtest.PrOpenedPayload(jobID), "change_id", json.Number(strconv.FormatInt(changeID, 10)))
				_, err := svc.Process(ctx, mustNormalize(payload))
				Expect(err).NotTo(HaveOccurred())
			}

			BeforeEach(func() {
				ticket.sequentialKeys()
			})

			It("should comment on every earlier ticket of the change and create the recovery ticket", func() {
				processPR(1, 1)
				processPR(2, 1)
				processPR(3, 2)

				res, err := svc.Process(ctx, mustNormalize(eventtest.RecoveryCompletePayload(1)))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Ticket.Key).To(Equal("ACCR-4"))
				Expect(res.Ticket.Comments).To(Equal([]delivery.CommentOutcome{
					delivery.CommentPostedOutcome("ACCR-1"),
					delivery.CommentPostedOutcome("ACCR-2"),
				}))
				Expect(res.Overall).To(Equal(delivery.OverallCompleted))

				posted := ticket.Comments()
				Expect(posted).To(HaveLen(2))
				Expect(docText(posted[0].Body)).To(ContainSubstring("Post-Incident Recovery Report"))
				Expect(docText(posted[0].Body)).To(ContainSubstring("30m"))
				Expect(docText(posted[0].Body)).NotTo(ContainSubstring("Platform Cost Context"))

				rec, err := store.Get(ctx, "recovery_complete:1")
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Ticket.Comments).To(HaveLen(2))
			})

			It("should not comment again for a duplicate recovery event", func() {
				processPR(1, 1)
				_, err := svc.Process(ctx, mustNormalize(eventtest.RecoveryCompletePayload(1)))
				Expect(err).NotTo(HaveOccurred())

				res, err := svc.Process(ctx, mustNormalize(eventtest.RecoveryCompletePayload(1)))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Duplicate).To(BeTrue())
				Expect(res.Previous.TicketComments).To(HaveLen(1))
				Expect(ticket.Comments()).To(HaveLen(1))
			})

			It("should leave out tickets that were never created", func() {
				calls := 0
				ticket.createFn = func(_ context.Context, issue delivery.Issue) (delivery.IssueRef, error) {
					calls++
					if calls == 1 {
						return delivery.IssueRef{}, &jira.Error{Kind: jira.KindServer, StatusCode: 502}
					}
					return delivery.IssueRef{Key: "ACCR-8", URL: "https://jira.example.com/browse/ACCR-8"}, nil
				}
				processPR(1, 1)
				processPR(2, 1)

				res, err := svc.Process(ctx, mustNormalize(eventtest.RecoveryCompletePayload(1)))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Ticket.Comments).To(Equal([]delivery.CommentOutcome{delivery.CommentPostedOutcome("ACCR-8")}))
			})

			It("should report a failed comment as a partial failure and keep going", func() {
				ticket.commentFn = func(_ context.Context, issueKey string) error {
					if issueKey == "ACCR-1" {
						return &jira.Error{Kind: jira.KindValidation, StatusCode: 404, Message: "Issue does not exist"}
					}
					return nil
				}
				processPR(1, 1)
				processPR(2, 1)

				res, err := svc.Process(ctx, mustNormalize(eventtest.RecoveryCompletePayload(1)))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Ticket.Created()).To(BeTrue())
				Expect(res.Ticket.Comments).To(HaveLen(2))
				Expect(res.Ticket.Comments[0].Posted).To(BeFalse())
				Expect(res.Ticket.Comments[0].Reason).To(ContainSubstring("Issue does not exist"))
				Expect(res.Ticket.Comments[1].Posted).To(BeTrue())
				Expect(res.Chat.Sent()).To(BeTrue())
				Expect(res.Overall).To(Equal(delivery.OverallPartialFailure))
			})

			Context("and a comment exceeds the port timeout", func() {
				BeforeEach(func() {
					opts.PortTimeout = 50 * time.Millisecond
					ticket.commentFn = func(cctx context.Context, _ string) error {
						<-cctx.Done()
						return cctx.Err()
					}
				})

				It("should record the timeout against that comment", func() {
					processPR(1, 1)

					res, err := svc.Process(ctx, mustNormalize(eventtest.RecoveryCompletePayload(1)))

					Expect(err).NotTo(HaveOccurred())
					Expect(res.Ticket.Created()).To(BeTrue())
					Expect(res.Ticket.Comments).To(HaveLen(1))
					Expect(res.Ticket.Comments[0].Reason).To(HavePrefix("timeout"))
				})
			})

			Context("and billing is configured", func() {
				var costs *fakeCostSource

				BeforeEach(func() {
					costs = &fakeCostSource{summary: &delivery.CostSummary{
						TotalRevenue: 12345.678,
						TopTeams:     []delivery.TeamCost{{TeamName: "Payments", TotalCost: 5000, TotalSessions: 12}},
					}}
					opts.Costs = costs
				})

				It("should add the platform cost section to the comment", func() {
					processPR(1, 1)

					_, err := svc.Process(ctx, mustNormalize(eventtest.RecoveryCompletePayload(1)))

					Expect(err).NotTo(HaveOccurred())
					Expect(costs.calls).To(Equal(1))
					body := docText(ticket.Comments()[0].Body)
					Expect(body).To(ContainSubstring("Platform Cost Context"))
					Expect(body).To(ContainSubstring("$12,345.68"))
					Expect(body).To(ContainSubstring("Payments: $5,000.00 (12 sessions)"))
				})

				It("should not look billing up when there is nothing to comment on", func() {
					_, err := svc.Process(ctx, mustNormalize(eventtest.RecoveryCompletePayload(1)))

					Expect(err).NotTo(HaveOccurred())
					Expect(costs.calls).To(Equal(0))
				})

				It("should comment without the cost section when billing fails", func() {
					costs.summary, costs.err = nil, errors.New("billing: http_5xx: HTTP 503")
					processPR(1, 1)

					res, err := svc.Process(ctx, mustNormalize(eventtest.RecoveryCompletePayload(1)))

					Expect(err).NotTo(HaveOccurred())
					Expect(res.Ticket.Comments).To(Equal([]delivery.CommentOutcome{delivery.CommentPostedOutcome("ACCR-1")}))
					Expect(docText(ticket.Comments()[0].Body)).NotTo(ContainSubstring("Platform Cost Context"))
					Expect(res.Overall).To(Equal(delivery.OverallCompleted))
				})
			})
		})
	})
})

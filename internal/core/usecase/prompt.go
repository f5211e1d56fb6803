package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

const systemPrompt = `Bạn là chuyên viên tư vấn tuyển sinh của Trường Đại học Công nghệ Thông tin - ĐHQG-HCM (UIT), nhiệt tình, chuyên nghiệp và am hiểu quy chế tuyển sinh.

NGUYÊN TẮC TRẢ LỜI:
1. CHỈ sử dụng thông tin trong CONTEXT được cung cấp. Tuyệt đối không bịa đặt điểm chuẩn, học phí, chỉ tiêu hay chương trình đào tạo.
2. Nếu CONTEXT không có thông tin, nói rõ là không tìm thấy và gợi ý truy cập https://www.uit.edu.vn/ (mục Tuyển sinh).
3. Trích dẫn nguồn cụ thể (điều khoản, văn bản) khi trả lời.
4. Trả lời bằng tiếng Việt, thân thiện, ngắn gọn, có cấu trúc rõ ràng.`

const noEvidenceAnswer = `Xin lỗi, tôi không tìm thấy thông tin liên quan đến câu hỏi của bạn trong cơ sở dữ liệu tuyển sinh.

Bạn có thể:
- Thử diễn đạt câu hỏi theo cách khác
- Cung cấp thêm chi tiết cụ thể
- Liên hệ trực tiếp với phòng tuyển sinh để được hỗ trợ`

const fallbackCaveat = "Hệ thống tạm thời không thể tạo câu trả lời, nội dung trên được trích nguyên văn từ tài liệu tuyển sinh."

// buildMessages orders system instruction, recent history, then the grounded user message.
func buildMessages(query string, history []domain.ConversationTurn, evidence domain.EvidenceSet, historyWindow int) []domain.ChatMessage {
	recent := recentHistory(history, historyWindow)
	messages := make([]domain.ChatMessage, 0, len(recent)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: systemPrompt})
	for _, turn := range recent {
		if turn.Role != domain.RoleUser && turn.Role != domain.RoleAssistant {
			continue
		}
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: buildUserMessage(query, formatEvidence(evidence)),
	})
	return messages
}

func recentHistory(history []domain.ConversationTurn, window int) []domain.ConversationTurn {
	if window <= 0 {
		return nil
	}
	if len(history) <= window {
		return history
	}
	return history[len(history)-window:]
}

func formatEvidence(evidence domain.EvidenceSet) string {
	if evidence.Empty() {
		return "Không có thông tin liên quan."
	}

	var b strings.Builder
	for idx, item := range evidence.Items {
		writeEvidenceItem(&b, idx, item.Candidate)
	}
	return strings.TrimRight(b.String(), "\n")
}

// writeEvidenceItem renders one numbered evidence block. Blocks are separated
// by blank lines, so their token counts add up to the count of the whole
// evidence section.
func writeEvidenceItem(b *strings.Builder, idx int, c domain.Candidate) {
	fmt.Fprintf(b, "[Tài liệu %d]\n", idx+1)
	if c.Source.Article != "" {
		fmt.Fprintf(b, "Điều khoản: %s\n", c.Source.Article)
	}
	if c.Source.Document != "" {
		fmt.Fprintf(b, "Văn bản: %s\n", c.Source.Document)
	}
	if c.Source.Question != "" {
		fmt.Fprintf(b, "\nCâu hỏi tương tự: %s\n", c.Source.Question)
	}
	if c.Text != "" {
		fmt.Fprintf(b, "\nNội dung quy định:\n%s\n", c.Text)
	}
	if c.Source.ExtractiveAnswer != "" {
		fmt.Fprintf(b, "\nTrích xuất: %s\n", c.Source.ExtractiveAnswer)
	}
	if c.Source.Answer != "" {
		fmt.Fprintf(b, "\nTóm tắt: %s\n", c.Source.Answer)
	}
	b.WriteString("\n")
}

// evidenceTokens is what c costs in the prompt at position idx, labels included.
func evidenceTokens(idx int, c domain.Candidate) int {
	var b strings.Builder
	writeEvidenceItem(&b, idx, c)
	return estimateTokens(b.String())
}

func buildUserMessage(query, context string) string {
	return fmt.Sprintf(`Câu hỏi của người dùng: %s

CONTEXT (Thông tin từ tài liệu tuyển sinh):
%s

Hãy trả lời câu hỏi dựa trên CONTEXT trên. Nhớ tuân thủ các nguyên tắc đã được hướng dẫn.`, query, context)
}

func sourceLine(source domain.SourceMetadata) string {
	parts := make([]string, 0, 2)
	if source.Article != "" {
		parts = append(parts, source.Article)
	}
	if source.Document != "" {
		parts = append(parts, source.Document)
	}
	if len(parts) == 0 {
		return ""
	}
	return "📚 Nguồn: " + strings.Join(parts, " - ")
}

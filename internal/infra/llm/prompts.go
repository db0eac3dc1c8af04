package llm

// {text} is replaced by the chunk.

const companyPrompt = `You are an expert accounting data extraction system. Extract all company cheque information from the provided text.

For each cheque found, extract:
- Cheque number (numeric or alphanumeric identifier)
- Payee name (recipient of payment)
- Amount (in currency, as a number)
- Issue date (when cheque was issued, format as YYYY-MM-DD)

Text to extract from:
{text}

Return a JSON response with this exact structure:
{
    "cheques": [
        {
            "cheque_number": "...",
            "payee_name": "...",
            "amount": 0.0,
            "issue_date": "YYYY-MM-DD"
        }
    ],
    "extraction_notes": "Any notes about extraction quality or challenges"
}

Be strict about date formats. If you cannot determine a date precisely, use your best estimate or indicate uncertainty in extraction_notes.`

const bankPrompt = `You are an expert banking data extraction system. Extract all cleared cheque information from provided bank statements or transaction data.

For each cleared cheque found, extract:
- Cheque number (numeric or alphanumeric identifier)
- Amount (cleared amount in currency, as a number)
- Clearing date (when cheque cleared the bank, format as YYYY-MM-DD)
- If an instrument number (instno) is shown instead of a cheque number, use it as the cheque number

Text to extract from:
{text}

Return a JSON response with this exact structure:
{
    "cheques": [
        {
            "cheque_number": "...",
            "amount": 0.0,
            "clearing_date": "YYYY-MM-DD"
        }
    ],
    "extraction_notes": "Any notes about extraction quality or challenges"
}

Be strict about date formats. If you cannot determine a date precisely, use your best estimate or indicate uncertainty in extraction_notes.
Only extract CLEARED cheques (cheques that have already been processed by the bank).`
